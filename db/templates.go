package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

var templateColumns = []string{
	"id",
	"name",
	"type",
	"title",
	"message",
	"channel",
	"priority",
	"is_active",
	"created_at",
}

func scanTemplate(row rowScanner) (*model.Template, error) {
	var t model.Template
	var channel, priority string

	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.Title, &t.Message, &channel, &priority, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Channel = model.Channel(channel)
	t.Priority = model.Priority(priority)

	return &t, nil
}

// GetTemplate obtains the active template with the given name. ErrNotFound is returned if the
// template doesn't exist or has been deactivated.
func (s *PostgresStore) GetTemplate(ctx context.Context, name string) (*model.Template, error) {
	wrapMsg := fmt.Sprintf("unable to get the notification template `%s`", name)

	// Build the SQL query and arguments.
	query, args, err := psql.
		Select(templateColumns...).
		From("notification_templates").
		Where(sq.Eq{"name": name}).
		Where(sq.Eq{"is_active": true}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	t, err := scanTemplate(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrNotFound, wrapMsg)
	}
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return t, nil
}

// ListTemplates lists the active templates ordered by name.
func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	wrapMsg := "unable to list notification templates"

	query, args, err := psql.
		Select(templateColumns...).
		From("notification_templates").
		Where(sq.Eq{"is_active": true}).
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	result := make([]*model.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return result, nil
}
