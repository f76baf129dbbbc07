package db

import (
	"context"
	"time"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ListOptions controls the notifications returned by the list operations.
type ListOptions struct {
	IncludeRead bool
	Limit       int
}

// DefaultListLimit is applied when ListOptions.Limit is not positive.
const DefaultListLimit = 50

func (o ListOptions) limit() uint64 {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return uint64(o.Limit)
}

// Store is the durable record of every notification and its lifecycle state. Every status change
// is a conditional update against the legal predecessors of the new status, so concurrent callers
// can never move a notification backward or advance it twice.
type Store interface {
	Add(ctx context.Context, n *model.Notification) error
	Get(ctx context.Context, id string) (*model.Notification, error)
	ListForUser(ctx context.Context, userID string, opts ListOptions) ([]*model.Notification, error)
	ListForOrganisation(ctx context.Context, organisationID string, opts ListOptions) ([]*model.Notification, error)
	ListByStatus(ctx context.Context, channel model.Channel, status model.Status, limit int) ([]*model.Notification, error)
	CountUnread(ctx context.Context, userID string) (int64, error)

	// MarkRead marks the listed notifications as read. When userID is not empty only
	// notifications addressed to that user are touched. Notifications that are already read
	// keep their original read time.
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)

	// Transition moves a notification to a new status if its current status is a legal
	// predecessor. The returned bool reports whether the row changed.
	Transition(ctx context.Context, id string, to model.Status, errorMessage string) (bool, error)

	// IncrementRetry adds one to the retry count of a pending notification as long as the count
	// is below maxRetries. It returns the new count and whether the row changed.
	IncrementRetry(ctx context.Context, id string, maxRetries int) (int, bool, error)

	// ClaimForBroadcast leases a sent notification to a single poller until now+lease.
	ClaimForBroadcast(ctx context.Context, id, token string, now time.Time, lease time.Duration) (bool, error)

	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	GetTemplate(ctx context.Context, name string) (*model.Template, error)
	ListTemplates(ctx context.Context) ([]*model.Template, error)
	GetUserContact(ctx context.Context, userID string) (model.Contact, error)
	GetOrganisationContact(ctx context.Context, organisationID string) (model.Contact, error)
}
