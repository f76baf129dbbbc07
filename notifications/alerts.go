package notifications

import (
	"context"

	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/model"
)

// Notification types created by the service itself.
const (
	TypeSystemAlert = "system_alert"
	TypeBulkMessage = "bulk_message"
)

// SendSystemAlert creates an in-app alert for every member of an organisation. Only admins and
// managers may send alerts, and managers only to their own organisation.
func (s *Service) SendSystemAlert(
	ctx context.Context,
	sender model.Identity,
	title, message, organisationID string,
	priority model.Priority,
) (*model.Notification, error) {
	if !sender.CanSendSystemAlerts() {
		return nil, handlers.NewAuthorizationError("user %s may not send system alerts", sender.UserID)
	}
	if organisationID == "" {
		organisationID = sender.OrganisationID
	}
	if sender.Role != model.RoleAdmin && organisationID != sender.OrganisationID {
		return nil, handlers.NewAuthorizationError(
			"user %s may not send alerts to organisation %s", sender.UserID, organisationID,
		)
	}
	if priority == "" {
		priority = model.PriorityHigh
	}

	return s.Create(ctx, &model.Notification{
		OrganisationID: organisationID,
		Type:           TypeSystemAlert,
		Title:          title,
		Message:        message,
		Priority:       priority,
		Channel:        model.ChannelInApp,
		Metadata:       map[string]any{"sent_by": sender.UserID},
	})
}

// SendBulk creates the same in-app message for each listed user and returns the notifications
// that were created.
func (s *Service) SendBulk(
	ctx context.Context,
	title, message string,
	userIDs []string,
	organisationID string,
) []*model.Notification {
	batch := make([]*model.Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		batch = append(batch, &model.Notification{
			UserID:         userID,
			OrganisationID: organisationID,
			Type:           TypeBulkMessage,
			Title:          title,
			Message:        message,
			Priority:       model.PriorityMedium,
			Channel:        model.ChannelInApp,
		})
	}
	return s.CreateBulk(ctx, batch)
}
