// Package hub maintains the real-time connections of signed-in clients, the groups they join and
// the events pushed to them.
package hub

import (
	"context"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/metrics"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = common.Log.WithFields(logrus.Fields{"package": "hub"})

// Service is the part of the notification service the hub's client methods use.
type Service interface {
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkReadForUser(ctx context.Context, userID string, ids []string) (int64, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	AcknowledgeDelivery(ctx context.Context, identity model.Identity, id string) (time.Time, error)
}

// Broadcaster sends server-initiated events to groups of clients.
type Broadcaster interface {
	SendToUser(ctx context.Context, userID, event string, payload any) error
	SendToOrganisation(ctx context.Context, organisationID, event string, payload any) error
	SendToAll(ctx context.Context, event string, payload any) error
	UpdateUnreadCount(ctx context.Context, userID string, count int64) error
	Heartbeat(ctx context.Context) error
}

// Delivery scopes.
const (
	ScopeUser         = "user"
	ScopeOrganisation = "organisation"
	ScopeAll          = "all"
)

// Hub owns the connection registry of this instance. Its broadcast methods reach only local
// connections; use a Backplane to reach every instance.
type Hub struct {
	registry *Registry
	service  Service
	settings common.HubSettings
	now      func() time.Time
}

// New returns a Hub whose client methods call service.
func New(service Service, settings common.HubSettings) *Hub {
	return &Hub{
		registry: NewRegistry(),
		service:  service,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

func clientLogger(client Client) *logrus.Entry {
	identity := client.Identity()
	return log.WithFields(logrus.Fields{
		"connection_id":   client.ID(),
		"user_id":         identity.UserID,
		"organisation_id": identity.OrganisationID,
	})
}

// send encodes an event and queues it for a single client.
func (h *Hub) send(client Client, event string, payload any) error {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	return client.Send(frame)
}

// OnConnect registers a client, confirms the connection with a heartbeat and sends the user's
// unread count once.
func (h *Hub) OnConnect(ctx context.Context, client Client) {
	logger := clientLogger(client)

	h.registry.Add(client, h.now())
	metrics.HubConnections.Inc()
	logger.Info("client connected")

	if err := h.send(client, EventHeartbeat, heartbeat(h.now())); err != nil {
		logger.WithError(err).Warn("unable to send the initial heartbeat")
	}

	count, err := h.service.UnreadCount(ctx, client.Identity().UserID)
	if err != nil {
		logger.WithError(err).Error("unable to look up the unread count")
		return
	}
	if err = h.send(client, EventUnreadCount, UnreadCountEvent{Count: count}); err != nil {
		logger.WithError(err).Warn("unable to send the unread count")
	}
}

// OnDisconnect removes a client from the registry.
func (h *Hub) OnDisconnect(client Client) {
	if _, ok := h.registry.Get(client.ID()); !ok {
		return
	}
	h.registry.Remove(client.ID())
	metrics.HubConnections.Dec()
	clientLogger(client).Info("client disconnected")
}

// Invoke runs a client method. Failures are logged; a refused call has no visible effect for
// the client.
func (h *Hub) Invoke(ctx context.Context, client Client, frame *InvocationFrame) {
	logger := clientLogger(client).WithField("method", frame.Target)

	var err error
	switch frame.Target {
	case MethodSubscribeToUser:
		err = h.withArgument(frame, func(userID string) error { return h.SubscribeToUser(client, userID) })
	case MethodJoinOrganisation:
		err = h.withArgument(frame, func(orgID string) error { return h.JoinOrganisation(client, orgID) })
	case MethodLeaveOrganisation:
		err = h.withArgument(frame, func(orgID string) error { return h.LeaveOrganisation(client, orgID) })
	case MethodMarkNotificationAsRead:
		err = h.withArgument(frame, func(id string) error { return h.MarkNotificationAsRead(ctx, client, id) })
	case MethodMarkAllNotificationsAsRead:
		err = h.MarkAllNotificationsAsRead(ctx, client)
	case MethodAcknowledgeDelivery:
		err = h.withArgument(frame, func(id string) error { return h.AcknowledgeDelivery(ctx, client, id) })
	case MethodSendTestMessage:
		err = h.withArgument(frame, func(text string) error { return h.SendTestMessage(client, text) })
	default:
		logger.Warn("unknown hub method")
		return
	}

	switch {
	case err == nil:
		return
	case handlers.IsAuthorization(err), handlers.IsValidation(err):
		logger.WithError(err).Warn("hub call refused")
	default:
		logger.WithError(err).Error("hub call failed")
	}
}

func (h *Hub) withArgument(frame *InvocationFrame, call func(string) error) error {
	arg, err := frame.StringArgument(0)
	if err != nil {
		return handlers.NewValidationError("%s", err)
	}
	return call(arg)
}

// SubscribeToUser adds the client to the user's group if the client is signed in as that user.
func (h *Hub) SubscribeToUser(client Client, userID string) error {
	identity := client.Identity()
	if identity.UserID == "" || identity.UserID != userID {
		return handlers.NewAuthorizationError("user %s may not subscribe to user %s", identity.UserID, userID)
	}
	h.registry.Join(client.ID(), UserGroup(userID))
	clientLogger(client).Info("subscribed to user notifications")
	return nil
}

// JoinOrganisation adds the client to the organisation's group if the client belongs to it.
func (h *Hub) JoinOrganisation(client Client, organisationID string) error {
	identity := client.Identity()
	if identity.OrganisationID == "" || identity.OrganisationID != organisationID {
		return handlers.NewAuthorizationError(
			"user %s may not join organisation %s", identity.UserID, organisationID,
		)
	}
	h.registry.Join(client.ID(), OrganisationGroup(organisationID))
	clientLogger(client).Info("joined organisation group")
	return nil
}

// LeaveOrganisation removes the client from the organisation's group.
func (h *Hub) LeaveOrganisation(client Client, organisationID string) error {
	h.registry.Leave(client.ID(), OrganisationGroup(organisationID))
	return nil
}

// MarkNotificationAsRead marks one of the caller's notifications as read and confirms it with
// the new unread count.
func (h *Hub) MarkNotificationAsRead(ctx context.Context, client Client, id string) error {
	userID := client.Identity().UserID
	changed, err := h.service.MarkReadForUser(ctx, userID, []string{id})
	if err != nil {
		return err
	}
	if changed == 0 {
		return nil
	}

	count, err := h.service.UnreadCount(ctx, userID)
	if err != nil {
		return err
	}
	if err = h.send(client, EventUnreadCount, UnreadCountEvent{Count: count}); err != nil {
		return err
	}
	return h.send(client, EventNotificationMarkedAsRead, MarkedAsReadEvent{NotificationID: id, UnreadCount: count})
}

// MarkAllNotificationsAsRead marks all of the caller's notifications as read. The service pushes
// the zero count to the user's group, so a caller outside that group is sent it directly.
func (h *Hub) MarkAllNotificationsAsRead(ctx context.Context, client Client) error {
	userID := client.Identity().UserID
	if _, err := h.service.MarkAllRead(ctx, userID); err != nil {
		return err
	}
	if !h.registry.InGroup(client.ID(), UserGroup(userID)) {
		if err := h.send(client, EventUnreadCount, UnreadCountEvent{Count: 0}); err != nil {
			return err
		}
	}
	return h.send(client, EventAllNotificationsMarkedAsRead, AllMarkedAsReadEvent{UnreadCount: 0})
}

// AcknowledgeDelivery records that the caller received a broadcast notification.
func (h *Hub) AcknowledgeDelivery(ctx context.Context, client Client, id string) error {
	acknowledgedAt, err := h.service.AcknowledgeDelivery(ctx, client.Identity(), id)
	if err != nil {
		return err
	}
	clientLogger(client).WithField("notification_id", id).Info("delivery acknowledged")
	return h.send(client, EventDeliveryAcknowledged, DeliveryAcknowledgedEvent{
		NotificationID: id,
		AcknowledgedAt: common.FormatTimestamp(acknowledgedAt),
	})
}

// SendTestMessage echoes a test notification back to the caller.
func (h *Hub) SendTestMessage(client Client, text string) error {
	identity := client.Identity()
	if identity.UserID == "" {
		return handlers.NewAuthorizationError("anonymous connections may not send test messages")
	}
	return h.send(client, EventReceiveNotification, NotificationEvent{
		Type:      "test",
		Title:     "Test Message",
		Message:   text,
		Timestamp: common.FormatTimestamp(h.now()),
		UserID:    identity.UserID,
	})
}

// Deliver sends an encoded frame to the local clients in scope. Clients whose send fails are
// logged and skipped.
func (h *Hub) Deliver(scope, key string, frame []byte) error {
	var clients []Client
	switch scope {
	case ScopeUser:
		clients = h.registry.Members(UserGroup(key))
	case ScopeOrganisation:
		clients = h.registry.Members(OrganisationGroup(key))
	case ScopeAll:
		clients = h.registry.All()
	default:
		return errors.Errorf("unknown delivery scope: %q", scope)
	}

	for _, client := range clients {
		if err := client.Send(frame); err != nil {
			clientLogger(client).WithError(err).Warn("unable to deliver frame")
		}
	}
	return nil
}

func (h *Hub) broadcast(scope, key, event string, payload any) error {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	return h.Deliver(scope, key, frame)
}

// SendToUser sends an event to the local connections subscribed to a user.
func (h *Hub) SendToUser(_ context.Context, userID, event string, payload any) error {
	return h.broadcast(ScopeUser, userID, event, payload)
}

// SendToOrganisation sends an event to the local connections in an organisation's group.
func (h *Hub) SendToOrganisation(_ context.Context, organisationID, event string, payload any) error {
	return h.broadcast(ScopeOrganisation, organisationID, event, payload)
}

// SendToAll sends an event to every local connection.
func (h *Hub) SendToAll(_ context.Context, event string, payload any) error {
	return h.broadcast(ScopeAll, "", event, payload)
}

// UpdateUnreadCount pushes a user's unread count to the user's local connections.
func (h *Hub) UpdateUnreadCount(ctx context.Context, userID string, count int64) error {
	return h.SendToUser(ctx, userID, EventUnreadCount, UnreadCountEvent{Count: count})
}

// Heartbeat sends a heartbeat to every local connection.
func (h *Hub) Heartbeat(ctx context.Context) error {
	return h.SendToAll(ctx, EventHeartbeat, heartbeat(h.now()))
}

// RunHeartbeat sends heartbeats to the local connections until the context is cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	interval := h.settings.HeartbeatInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Heartbeat(ctx); err != nil {
				log.WithError(err).Error("unable to send heartbeat")
			}
		}
	}
}
