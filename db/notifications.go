package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store that uses the given database connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var notificationColumns = []string{
	"id",
	"user_id",
	"organisation_id",
	"type",
	"title",
	"message",
	"priority",
	"channel",
	"status",
	"is_read",
	"read_at",
	"retry_count",
	"sent_at",
	"delivered_at",
	"error_message",
	"metadata",
	"created_at",
	"expires_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*model.Notification, error) {
	var (
		n                                  model.Notification
		userID, organisationID, errMessage sql.NullString
		priority, channel, status          string
		readAt, sentAt, deliveredAt        sql.NullTime
		expiresAt                          sql.NullTime
		metadata                           []byte
	)

	err := row.Scan(
		&n.ID,
		&userID,
		&organisationID,
		&n.Type,
		&n.Title,
		&n.Message,
		&priority,
		&channel,
		&status,
		&n.IsRead,
		&readAt,
		&n.RetryCount,
		&sentAt,
		&deliveredAt,
		&errMessage,
		&metadata,
		&n.CreatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	n.UserID = userID.String
	n.OrganisationID = organisationID.String
	n.ErrorMessage = errMessage.String
	n.Priority = model.Priority(priority)
	n.Channel = model.Channel(channel)
	n.Status = model.Status(status)
	n.ReadAt = timePtr(readAt)
	n.SentAt = timePtr(sentAt)
	n.DeliveredAt = timePtr(deliveredAt)
	n.ExpiresAt = timePtr(expiresAt)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, errors.Wrap(err, "unable to decode notification metadata")
		}
	}

	return &n, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func statusStrings(statuses []model.Status) []string {
	result := make([]string, len(statuses))
	for i, s := range statuses {
		result[i] = string(s)
	}
	return result
}

// Add inserts a new notification. The ID and creation time are assigned if they are missing.
func (s *PostgresStore) Add(ctx context.Context, n *model.Notification) error {
	wrapMsg := "unable to save notification"

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}

	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Build the statement to insert the notification.
	statement, args, err := psql.
		Insert("notifications").
		Columns(
			"id",
			"user_id",
			"organisation_id",
			"type",
			"title",
			"message",
			"priority",
			"channel",
			"status",
			"is_read",
			"retry_count",
			"metadata",
			"created_at",
			"expires_at").
		Values(
			n.ID,
			nullable(n.UserID),
			nullable(n.OrganisationID),
			n.Type,
			n.Title,
			n.Message,
			string(n.Priority),
			string(n.Channel),
			string(n.Status),
			n.IsRead,
			n.RetryCount,
			metadata,
			n.CreatedAt,
			n.ExpiresAt).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	if _, err = s.db.ExecContext(ctx, statement, args...); err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// Get returns the notification with the given ID, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Notification, error) {
	wrapMsg := fmt.Sprintf("unable to look up notification %s", id)

	query, args, err := psql.
		Select(notificationColumns...).
		From("notifications").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrNotFound, wrapMsg)
	}
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return n, nil
}

func (s *PostgresStore) list(ctx context.Context, wrapMsg string, builder sq.SelectBuilder) ([]*model.Notification, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	result := make([]*model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return result, nil
}

// ListForUser lists the notifications addressed to a user, newest first.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]*model.Notification, error) {
	builder := psql.
		Select(notificationColumns...).
		From("notifications").
		Where(sq.Eq{"user_id": userID})
	if !opts.IncludeRead {
		builder = builder.Where(sq.Eq{"is_read": false})
	}
	builder = builder.OrderBy("created_at DESC").Limit(opts.limit())

	return s.list(ctx, fmt.Sprintf("unable to list notifications for user %s", userID), builder)
}

// ListForOrganisation lists the notifications addressed to an organisation, newest first.
func (s *PostgresStore) ListForOrganisation(
	ctx context.Context,
	organisationID string,
	opts ListOptions,
) ([]*model.Notification, error) {
	builder := psql.
		Select(notificationColumns...).
		From("notifications").
		Where(sq.Eq{"organisation_id": organisationID})
	if !opts.IncludeRead {
		builder = builder.Where(sq.Eq{"is_read": false})
	}
	builder = builder.OrderBy("created_at DESC").Limit(opts.limit())

	return s.list(ctx, fmt.Sprintf("unable to list notifications for organisation %s", organisationID), builder)
}

// ListByStatus lists notifications on a channel in a given status, oldest first.
func (s *PostgresStore) ListByStatus(
	ctx context.Context,
	channel model.Channel,
	status model.Status,
	limit int,
) ([]*model.Notification, error) {
	builder := psql.
		Select(notificationColumns...).
		From("notifications").
		Where(sq.Eq{"channel": string(channel)}).
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	return s.list(ctx, fmt.Sprintf("unable to list %s notifications in status %s", channel, status), builder)
}

// CountUnread counts the notifications for the user that haven't been marked as read.
func (s *PostgresStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	wrapMsg := "unable to count unread notifications"
	var total int64

	// Build the statement to count the unread notifications.
	statement, args, err := psql.
		Select("count(*)").
		From("notifications").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"is_read": false}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement.
	err = s.db.QueryRowContext(ctx, statement, args...).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	return total, nil
}

func (s *PostgresStore) exec(ctx context.Context, wrapMsg string, builder sq.UpdateBuilder) (int64, error) {
	statement, args, err := builder.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	result, err := s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	return rowsAffected, nil
}

// MarkRead marks notifications as read, optionally restricted to those addressed to userID.
func (s *PostgresStore) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	builder := psql.
		Update("notifications").
		Set("is_read", true).
		Set("read_at", sq.Expr("now()")).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"is_read": false})
	if userID != "" {
		builder = builder.Where(sq.Eq{"user_id": userID})
	}

	return s.exec(ctx, "unable to mark notifications as read", builder)
}

// MarkAllRead marks every unread notification addressed to the user as read.
func (s *PostgresStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	builder := psql.
		Update("notifications").
		Set("is_read", true).
		Set("read_at", sq.Expr("now()")).
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"is_read": false})

	return s.exec(ctx, fmt.Sprintf("unable to mark all notifications as read for user %s", userID), builder)
}

// Transition moves a notification to a new status if its current status allows it.
func (s *PostgresStore) Transition(ctx context.Context, id string, to model.Status, errorMessage string) (bool, error) {
	wrapMsg := fmt.Sprintf("unable to move notification %s to %s", id, to)

	from := model.Predecessors(to)
	if len(from) == 0 {
		return false, errors.Errorf("%s: no status may transition to %s", wrapMsg, to)
	}

	builder := psql.
		Update("notifications").
		Set("status", string(to))
	switch to {
	case model.StatusSent:
		builder = builder.Set("sent_at", sq.Expr("now()"))
	case model.StatusDelivered:
		builder = builder.Set("delivered_at", sq.Expr("now()"))
	case model.StatusFailed:
		builder = builder.Set("error_message", nullable(errorMessage))
	}
	builder = builder.
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": statusStrings(from)})

	rowsAffected, err := s.exec(ctx, wrapMsg, builder)
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// IncrementRetry increments the retry count of a pending notification that is below maxRetries.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id string, maxRetries int) (int, bool, error) {
	wrapMsg := fmt.Sprintf("unable to increment the retry count of notification %s", id)

	statement, args, err := psql.
		Update("notifications").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(model.StatusPending)}).
		Where(sq.Lt{"retry_count": maxRetries}).
		Suffix("RETURNING retry_count").
		ToSql()
	if err != nil {
		return 0, false, errors.Wrap(err, wrapMsg)
	}

	var count int
	err = s.db.QueryRowContext(ctx, statement, args...).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, wrapMsg)
	}

	return count, true, nil
}

// ClaimForBroadcast leases a sent notification to the caller identified by token.
func (s *PostgresStore) ClaimForBroadcast(
	ctx context.Context,
	id, token string,
	now time.Time,
	lease time.Duration,
) (bool, error) {
	builder := psql.
		Update("notifications").
		Set("broadcast_claim_token", token).
		Set("broadcast_claimed_until", now.Add(lease)).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(model.StatusSent)}).
		Where(sq.Or{
			sq.Eq{"broadcast_claimed_until": nil},
			sq.Lt{"broadcast_claimed_until": now},
		})

	rowsAffected, err := s.exec(ctx, fmt.Sprintf("unable to claim notification %s for broadcast", id), builder)
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// Delete removes a notification, returning ErrNotFound if it does not exist.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	wrapMsg := fmt.Sprintf("unable to delete notification %s", id)

	statement, args, err := psql.
		Delete("notifications").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	result, err := s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if rowsAffected == 0 {
		return errors.Wrap(ErrNotFound, wrapMsg)
	}

	return nil
}

// DeleteExpired removes every notification whose expiry time is before now.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	wrapMsg := "unable to delete expired notifications"

	statement, args, err := psql.
		Delete("notifications").
		Where(sq.Lt{"expires_at": now}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	result, err := s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	return rowsAffected, nil
}
