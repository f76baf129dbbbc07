package notifications

import (
	"context"

	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Target identifies who a templated notification goes to and how.
type Target struct {
	UserID         string
	OrganisationID string

	// Channel and Priority override the template's own values when set.
	Channel  model.Channel
	Priority model.Priority
	Metadata map[string]any
}

// CreateFromTemplate renders the named template with the given values and creates the resulting
// notification.
func (s *Service) CreateFromTemplate(
	ctx context.Context,
	name string,
	values map[string]string,
	target Target,
) (*model.Notification, error) {
	tmpl, err := s.store.GetTemplate(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, handlers.NewValidationError("unknown notification template: %s", name)
	}
	if err != nil {
		return nil, persistenceError(err, "unable to load the notification template")
	}

	channel := tmpl.Channel
	if target.Channel != "" {
		channel = target.Channel
	}
	priority := tmpl.Priority
	if target.Priority != "" {
		priority = target.Priority
	}

	result := tmpl.Render(values, channel)
	if len(result.Unresolved) > 0 {
		log.WithFields(logrus.Fields{
			"template":     name,
			"placeholders": result.Unresolved,
		}).Warn("template placeholders had no value")
	}

	metadata := map[string]any{}
	for k, v := range target.Metadata {
		metadata[k] = v
	}
	metadata["template"] = name

	return s.Create(ctx, &model.Notification{
		UserID:         target.UserID,
		OrganisationID: target.OrganisationID,
		Type:           tmpl.Type,
		Title:          result.Title,
		Message:        result.Message,
		Priority:       priority,
		Channel:        channel,
		Metadata:       metadata,
	})
}

// ListTemplates lists the active notification templates.
func (s *Service) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, persistenceError(err, "unable to list the notification templates")
	}
	return templates, nil
}
