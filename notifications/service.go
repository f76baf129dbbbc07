// Package notifications contains the service that creates notifications, hands them to the
// dispatcher and manages their read state.
package notifications

import (
	"context"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/dispatch"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = common.Log.WithFields(logrus.Fields{"package": "notifications"})

// PendingSweepLimit bounds the number of pending in-app notifications advanced per sweep.
const PendingSweepLimit = 500

// Pusher delivers server-initiated updates to connected clients.
type Pusher interface {
	UpdateUnreadCount(ctx context.Context, userID string, count int64) error
}

// Service creates notifications and manages their state on behalf of request-driven callers.
type Service struct {
	store      db.Store
	dispatcher dispatch.Dispatcher
	pusher     Pusher
	now        func() time.Time
}

// NewService returns a Service that persists to store and publishes through dispatcher.
func NewService(store db.Store, dispatcher dispatch.Dispatcher) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetPusher sets the component used to push unread counts to connected clients.
func (s *Service) SetPusher(pusher Pusher) {
	s.pusher = pusher
}

func persistenceError(err error, wrapMsg string) error {
	if errors.Is(err, db.ErrNotFound) {
		return err
	}
	return handlers.NewPersistenceError(errors.Wrap(err, wrapMsg))
}

// Create persists a new notification in the pending state and starts its delivery. In-app
// notifications are marked sent immediately so that the broadcast poller picks them up; the other
// channels are published to the dispatcher. A failed publish marks the notification failed but is
// not returned to the caller.
func (s *Service) Create(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	wrapMsg := "unable to create the notification"

	if n.Priority == "" {
		n.Priority = model.PriorityMedium
	}
	if err := n.Validate(); err != nil {
		return nil, handlers.NewValidationError("%s: %s", wrapMsg, err)
	}

	n.Status = model.StatusPending
	n.RetryCount = 0
	n.IsRead = false
	n.ReadAt = nil
	n.SentAt = nil
	n.DeliveredAt = nil
	n.ErrorMessage = ""
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	if err := s.store.Add(ctx, n); err != nil {
		return nil, persistenceError(err, wrapMsg)
	}

	logger := log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"channel":         n.Channel,
		"type":            n.Type,
	})

	if n.Channel == model.ChannelInApp {
		s.markInAppSent(ctx, n, logger)
		return n, nil
	}

	s.dispatch(ctx, n, logger)
	return n, nil
}

func (s *Service) markInAppSent(ctx context.Context, n *model.Notification, logger *logrus.Entry) {
	changed, err := s.store.Transition(ctx, n.ID, model.StatusSent, "")
	if err != nil {
		// The maintenance sweep advances notifications left in the pending state.
		logger.WithError(err).Warn("unable to mark the in-app notification as sent")
		return
	}
	if changed {
		now := s.now()
		n.Status = model.StatusSent
		n.SentAt = &now
	}
}

func (s *Service) dispatch(ctx context.Context, n *model.Notification, logger *logrus.Entry) {
	env := model.NewEnvelope(uuid.NewString(), n, s.resolveContact(ctx, n, logger))

	err := s.dispatcher.Publish(ctx, env)
	if err == nil {
		logger.WithField("message_id", env.MessageID).Debug("notification queued")
		return
	}

	logger.WithError(err).Error("unable to queue the notification")
	changed, terr := s.store.Transition(ctx, n.ID, model.StatusFailed, err.Error())
	if terr != nil {
		logger.WithError(terr).Error("unable to mark the notification as failed")
		return
	}
	if changed {
		n.Status = model.StatusFailed
		n.ErrorMessage = err.Error()
	}
}

// resolveContact looks up the address details of the notification's target. Lookup failures
// leave the contact empty; recipients supplied in the metadata still apply.
func (s *Service) resolveContact(ctx context.Context, n *model.Notification, logger *logrus.Entry) model.Contact {
	var (
		contact model.Contact
		err     error
	)
	if n.UserID != "" {
		contact, err = s.store.GetUserContact(ctx, n.UserID)
	} else {
		contact, err = s.store.GetOrganisationContact(ctx, n.OrganisationID)
	}
	if err != nil {
		logger.WithError(err).Warn("unable to resolve the recipient contact details")
	}
	return contact
}

// CreateBulk creates each notification in turn and returns the ones that were created. A
// failure to create one notification does not stop the rest.
func (s *Service) CreateBulk(ctx context.Context, ns []*model.Notification) []*model.Notification {
	created := make([]*model.Notification, 0, len(ns))
	for _, n := range ns {
		result, err := s.Create(ctx, n)
		if err != nil {
			log.WithError(err).WithField("type", n.Type).Error("unable to create notification in bulk request")
			continue
		}
		created = append(created, result)
	}
	return created
}

// GetForUser lists the notifications addressed to a user, newest first.
func (s *Service) GetForUser(ctx context.Context, userID string, includeRead bool, limit int) ([]*model.Notification, error) {
	result, err := s.store.ListForUser(ctx, userID, db.ListOptions{IncludeRead: includeRead, Limit: limit})
	if err != nil {
		return nil, persistenceError(err, "unable to list the notifications for the user")
	}
	return result, nil
}

// GetForOrganisation lists the notifications addressed to an organisation, newest first.
func (s *Service) GetForOrganisation(
	ctx context.Context,
	organisationID string,
	includeRead bool,
	limit int,
) ([]*model.Notification, error) {
	result, err := s.store.ListForOrganisation(ctx, organisationID, db.ListOptions{IncludeRead: includeRead, Limit: limit})
	if err != nil {
		return nil, persistenceError(err, "unable to list the notifications for the organisation")
	}
	return result, nil
}

// UnreadCount returns the number of unread notifications addressed to a user.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	count, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, persistenceError(err, "unable to count the unread notifications")
	}
	return count, nil
}

// MarkRead marks a single notification as read. Marking a read notification again has no effect.
func (s *Service) MarkRead(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.MarkRead(ctx, "", []string{id})
	if err != nil {
		return false, persistenceError(err, "unable to mark the notification as read")
	}
	return changed > 0, nil
}

// MarkReadForUser marks the listed notifications as read, ignoring any that are not addressed to
// the user.
func (s *Service) MarkReadForUser(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	changed, err := s.store.MarkRead(ctx, userID, ids)
	if err != nil {
		return 0, persistenceError(err, "unable to mark the notifications as read")
	}
	return changed, nil
}

// MarkAllRead marks all of a user's notifications as read and pushes the new unread count.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	changed, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, persistenceError(err, "unable to mark all notifications as read")
	}

	if s.pusher != nil {
		if err := s.pusher.UpdateUnreadCount(ctx, userID, 0); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("unable to push the unread count")
		}
	}

	return changed, nil
}

// Delete removes a notification.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return persistenceError(err, "unable to delete the notification")
	}
	return nil
}

// DeleteForIdentity removes a notification if it is addressed to the caller.
func (s *Service) DeleteForIdentity(ctx context.Context, identity model.Identity, id string) error {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return persistenceError(err, "unable to look up the notification")
	}
	if !identity.CanAccess(n) {
		return handlers.NewAuthorizationError("user %s may not delete notification %s", identity.UserID, id)
	}
	return s.Delete(ctx, id)
}

// DeleteExpired removes every notification whose expiry time has passed.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	removed, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, persistenceError(err, "unable to delete expired notifications")
	}
	if removed > 0 {
		log.WithField("count", removed).Info("deleted expired notifications")
	}
	return removed, nil
}

// AcknowledgeDelivery records that the caller's client received a broadcast notification. It is
// the only way a notification becomes delivered.
func (s *Service) AcknowledgeDelivery(ctx context.Context, identity model.Identity, id string) (time.Time, error) {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return time.Time{}, persistenceError(err, "unable to look up the notification")
	}
	if !identity.CanAccess(n) {
		return time.Time{}, handlers.NewAuthorizationError(
			"user %s may not acknowledge notification %s", identity.UserID, id,
		)
	}

	changed, err := s.store.Transition(ctx, id, model.StatusDelivered, "")
	if err != nil {
		return time.Time{}, persistenceError(err, "unable to mark the notification as delivered")
	}
	if !changed {
		return time.Time{}, handlers.NewValidationError("notification %s is not awaiting acknowledgement", id)
	}

	return s.now(), nil
}

// ProcessPendingInApp advances in-app notifications that were left in the pending state.
func (s *Service) ProcessPendingInApp(ctx context.Context) (int, error) {
	pending, err := s.store.ListByStatus(ctx, model.ChannelInApp, model.StatusPending, PendingSweepLimit)
	if err != nil {
		return 0, persistenceError(err, "unable to list pending in-app notifications")
	}

	advanced := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			break
		}
		changed, err := s.store.Transition(ctx, n.ID, model.StatusSent, "")
		if err != nil {
			log.WithError(err).WithField("notification_id", n.ID).Error("unable to advance pending notification")
			continue
		}
		if changed {
			advanced++
		}
	}

	if advanced > 0 {
		log.WithField("count", advanced).Info("advanced pending in-app notifications")
	}
	return advanced, nil
}
