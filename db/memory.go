package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type memoryRecord struct {
	notification model.Notification
	claimedUntil time.Time
}

// MemoryStore is an in-process Store. It follows the same conditional update rules as the
// PostgreSQL store and is used for single-instance deployments and tests.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	records       map[string]*memoryRecord
	templates     map[string]*model.Template
	users         map[string]model.Contact
	organisations map[string]model.Contact
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           func() time.Time { return time.Now().UTC() },
		records:       map[string]*memoryRecord{},
		templates:     map[string]*model.Template{},
		users:         map[string]model.Contact{},
		organisations: map[string]model.Contact{},
	}
}

// SetClock replaces the function the store uses to read the current time.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutTemplate adds or replaces a template.
func (s *MemoryStore) PutTemplate(t *model.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	copied := *t
	s.templates[t.Name] = &copied
}

// PutUserContact records the contact details of a user.
func (s *MemoryStore) PutUserContact(userID string, contact model.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = contact
}

// PutOrganisationContact records the contact details of an organisation.
func (s *MemoryStore) PutOrganisationContact(organisationID string, contact model.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organisations[organisationID] = contact
}

func cloneNotification(n *model.Notification) *model.Notification {
	copied := *n
	if n.Metadata != nil {
		copied.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

// Add inserts a new notification.
func (s *MemoryStore) Add(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	if _, exists := s.records[n.ID]; exists {
		return errors.Errorf("unable to save notification: duplicate id %s", n.ID)
	}

	s.records[n.ID] = &memoryRecord{notification: *cloneNotification(n)}
	return nil
}

// Get returns the notification with the given ID, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "unable to look up notification %s", id)
	}
	return cloneNotification(&record.notification), nil
}

func (s *MemoryStore) filter(match func(*model.Notification) bool, newestFirst bool, limit int) []*model.Notification {
	result := make([]*model.Notification, 0)
	for _, record := range s.records {
		if match(&record.notification) {
			result = append(result, cloneNotification(&record.notification))
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if newestFirst {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result
}

// ListForUser lists the notifications addressed to a user, newest first.
func (s *MemoryStore) ListForUser(_ context.Context, userID string, opts ListOptions) ([]*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter(func(n *model.Notification) bool {
		return n.UserID == userID && (opts.IncludeRead || !n.IsRead)
	}, true, int(opts.limit())), nil
}

// ListForOrganisation lists the notifications addressed to an organisation, newest first.
func (s *MemoryStore) ListForOrganisation(
	_ context.Context,
	organisationID string,
	opts ListOptions,
) ([]*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter(func(n *model.Notification) bool {
		return n.OrganisationID == organisationID && (opts.IncludeRead || !n.IsRead)
	}, true, int(opts.limit())), nil
}

// ListByStatus lists notifications on a channel in a given status, oldest first.
func (s *MemoryStore) ListByStatus(
	_ context.Context,
	channel model.Channel,
	status model.Status,
	limit int,
) ([]*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filter(func(n *model.Notification) bool {
		return n.Channel == channel && n.Status == status
	}, false, limit), nil
}

// CountUnread counts the notifications for the user that haven't been marked as read.
func (s *MemoryStore) CountUnread(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, record := range s.records {
		if record.notification.UserID == userID && !record.notification.IsRead {
			total++
		}
	}
	return total, nil
}

func (s *MemoryStore) markRead(n *model.Notification) bool {
	if n.IsRead {
		return false
	}
	now := s.now()
	n.IsRead = true
	n.ReadAt = &now
	return true
}

// MarkRead marks notifications as read, optionally restricted to those addressed to userID.
func (s *MemoryStore) MarkRead(_ context.Context, userID string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	for _, id := range ids {
		record, ok := s.records[id]
		if !ok {
			continue
		}
		if userID != "" && record.notification.UserID != userID {
			continue
		}
		if s.markRead(&record.notification) {
			changed++
		}
	}
	return changed, nil
}

// MarkAllRead marks every unread notification addressed to the user as read.
func (s *MemoryStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	for _, record := range s.records {
		if record.notification.UserID == userID && s.markRead(&record.notification) {
			changed++
		}
	}
	return changed, nil
}

// Transition moves a notification to a new status if its current status allows it.
func (s *MemoryStore) Transition(_ context.Context, id string, to model.Status, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(model.Predecessors(to)) == 0 {
		return false, errors.Errorf("unable to move notification %s to %s: no status may transition to %s", id, to, to)
	}

	record, ok := s.records[id]
	if !ok || !model.CanTransition(record.notification.Status, to) {
		return false, nil
	}

	now := s.now()
	n := &record.notification
	n.Status = to
	switch to {
	case model.StatusSent:
		n.SentAt = &now
	case model.StatusDelivered:
		n.DeliveredAt = &now
	case model.StatusFailed:
		n.ErrorMessage = errorMessage
	}

	return true, nil
}

// IncrementRetry increments the retry count of a pending notification that is below maxRetries.
func (s *MemoryStore) IncrementRetry(_ context.Context, id string, maxRetries int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return 0, false, nil
	}
	n := &record.notification
	if n.Status != model.StatusPending || n.RetryCount >= maxRetries {
		return 0, false, nil
	}
	n.RetryCount++

	return n.RetryCount, true, nil
}

// ClaimForBroadcast leases a sent notification until now+lease. Only the lease matters in
// memory, so the claim token is not kept.
func (s *MemoryStore) ClaimForBroadcast(
	_ context.Context,
	id, _ string,
	now time.Time,
	lease time.Duration,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.notification.Status != model.StatusSent {
		return false, nil
	}
	if !record.claimedUntil.IsZero() && !record.claimedUntil.Before(now) {
		return false, nil
	}
	record.claimedUntil = now.Add(lease)

	return true, nil
}

// Delete removes a notification, returning ErrNotFound if it does not exist.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return errors.Wrapf(ErrNotFound, "unable to delete notification %s", id)
	}
	delete(s.records, id)
	return nil
}

// DeleteExpired removes every notification whose expiry time is before now.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, record := range s.records {
		if record.notification.Expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// GetTemplate obtains the active template with the given name.
func (s *MemoryStore) GetTemplate(_ context.Context, name string) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[name]
	if !ok || !t.IsActive {
		return nil, errors.Wrapf(ErrNotFound, "unable to get the notification template `%s`", name)
	}
	copied := *t
	return &copied, nil
}

// ListTemplates lists the active templates ordered by name.
func (s *MemoryStore) ListTemplates(_ context.Context) ([]*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.Template, 0, len(s.templates))
	for _, t := range s.templates {
		if t.IsActive {
			copied := *t
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetUserContact returns the contact details recorded for a user.
func (s *MemoryStore) GetUserContact(_ context.Context, userID string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact, ok := s.users[userID]
	if !ok {
		return model.Contact{}, errors.Wrapf(ErrNotFound, "unable to get the contact details for user `%s`", userID)
	}
	return contact, nil
}

// GetOrganisationContact returns the contact details recorded for an organisation.
func (s *MemoryStore) GetOrganisationContact(_ context.Context, organisationID string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact, ok := s.organisations[organisationID]
	if !ok {
		return model.Contact{}, errors.Wrapf(
			ErrNotFound, "unable to get the contact details for organisation `%s`", organisationID,
		)
	}
	return contact, nil
}
