package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// GetUserContact obtains the name, email address, phone number and push device token of a user
// from the users table shared with the rest of the audit backend.
func (s *PostgresStore) GetUserContact(ctx context.Context, userID string) (model.Contact, error) {
	wrapMsg := fmt.Sprintf("unable to get the contact details for user `%s`", userID)

	// Build the query.
	query, args, err := psql.
		Select(
			"coalesce(first_name || ' ' || last_name, username, '')",
			"coalesce(email, '')",
			"coalesce(phone, '')",
			"coalesce(device_token, '')").
		From("users").
		Where(sq.Eq{"id::text": userID}).
		ToSql()
	if err != nil {
		return model.Contact{}, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	var contact model.Contact
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&contact.Name, &contact.Email, &contact.Phone, &contact.DeviceToken)

	// A missing user is reported separately so callers can tell it apart from an outage.
	if err == sql.ErrNoRows {
		return model.Contact{}, errors.Wrap(ErrNotFound, wrapMsg)
	}
	if err != nil {
		return model.Contact{}, errors.Wrap(err, wrapMsg)
	}

	return contact, nil
}

// GetOrganisationContact obtains the contact email address and phone number of an organisation.
func (s *PostgresStore) GetOrganisationContact(ctx context.Context, organisationID string) (model.Contact, error) {
	wrapMsg := fmt.Sprintf("unable to get the contact details for organisation `%s`", organisationID)

	query, args, err := psql.
		Select(
			"coalesce(name, '')",
			"coalesce(contact_email, '')",
			"coalesce(contact_phone, '')").
		From("organisations").
		Where(sq.Eq{"id::text": organisationID}).
		ToSql()
	if err != nil {
		return model.Contact{}, errors.Wrap(err, wrapMsg)
	}

	var contact model.Contact
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&contact.Name, &contact.Email, &contact.Phone)
	if err == sql.ErrNoRows {
		return model.Contact{}, errors.Wrap(ErrNotFound, wrapMsg)
	}
	if err != nil {
		return model.Contact{}, errors.Wrap(err, wrapMsg)
	}

	return contact, nil
}
