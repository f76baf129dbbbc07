package db

import (
	"context"
	"database/sql"

	"github.com/cyverse-de/dbutil"
	"github.com/pkg/errors"

	_ "github.com/lib/pq"
)

// InitDatabase establishes a database connection and verifies tha the database can be reached.
func InitDatabase(driverName, databaseURI string) (*sql.DB, error) {
	wrapMsg := "unable to initialize the database"

	// Create a database connector to establish the connection.
	connector, err := dbutil.NewDefaultConnector("1m")
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Establish the database connection.
	db, err := connector.Connect(driverName, databaseURI)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return db, nil
}

// Schema creates the tables owned by this service. The users and organisations tables belong to
// the wider audit backend and are only read.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
    id uuid PRIMARY KEY,
    user_id text,
    organisation_id text,
    type text NOT NULL,
    title text NOT NULL,
    message text NOT NULL DEFAULT '',
    priority text NOT NULL DEFAULT 'medium',
    channel text NOT NULL DEFAULT 'in_app',
    status text NOT NULL DEFAULT 'pending',
    is_read boolean NOT NULL DEFAULT false,
    read_at timestamp with time zone,
    retry_count integer NOT NULL DEFAULT 0,
    sent_at timestamp with time zone,
    delivered_at timestamp with time zone,
    error_message text,
    metadata jsonb NOT NULL DEFAULT '{}',
    created_at timestamp with time zone NOT NULL DEFAULT now(),
    expires_at timestamp with time zone,
    broadcast_claim_token text,
    broadcast_claimed_until timestamp with time zone,
    CHECK (user_id IS NOT NULL OR organisation_id IS NOT NULL),
    CHECK (retry_count >= 0)
);

CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, is_read);
CREATE INDEX IF NOT EXISTS notifications_organisation_idx ON notifications (organisation_id);
CREATE INDEX IF NOT EXISTS notifications_channel_status_idx ON notifications (channel, status);
CREATE INDEX IF NOT EXISTS notifications_expires_idx ON notifications (expires_at);

CREATE TABLE IF NOT EXISTS notification_templates (
    id uuid PRIMARY KEY,
    name text NOT NULL UNIQUE,
    type text NOT NULL,
    title text NOT NULL,
    message text NOT NULL,
    channel text NOT NULL DEFAULT 'in_app',
    priority text NOT NULL DEFAULT 'medium',
    is_active boolean NOT NULL DEFAULT true,
    created_at timestamp with time zone NOT NULL DEFAULT now()
);
`

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, "unable to apply the database schema")
	}
	return nil
}
