package hub

import (
	"encoding/json"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"
)

// Server to client events.
const (
	EventHeartbeat                    = "Heartbeat"
	EventUnreadCount                  = "UnreadCount"
	EventReceiveNotification          = "ReceiveNotification"
	EventNotificationMarkedAsRead     = "NotificationMarkedAsRead"
	EventAllNotificationsMarkedAsRead = "AllNotificationsMarkedAsRead"
	EventDeliveryAcknowledged         = "DeliveryAcknowledged"
)

// Client to server methods.
const (
	MethodSubscribeToUser            = "SubscribeToUser"
	MethodJoinOrganisation           = "JoinOrganisation"
	MethodLeaveOrganisation          = "LeaveOrganisation"
	MethodMarkNotificationAsRead     = "MarkNotificationAsRead"
	MethodMarkAllNotificationsAsRead = "MarkAllNotificationsAsRead"
	MethodAcknowledgeDelivery        = "AcknowledgeDelivery"
	MethodSendTestMessage            = "SendTestMessage"
)

// Frame types.
const (
	FrameEvent      = "event"
	FrameInvocation = "invocation"
)

// UserGroup returns the name of the group that receives a user's notifications.
func UserGroup(userID string) string {
	return "user_" + userID
}

// OrganisationGroup returns the name of the group that receives an organisation's notifications.
func OrganisationGroup(organisationID string) string {
	return "org_" + organisationID
}

// HeartbeatEvent tells a client that its connection is alive.
type HeartbeatEvent struct {
	Timestamp string `json:"timestamp"`
}

// UnreadCountEvent carries a user's current unread notification count.
type UnreadCountEvent struct {
	Count int64 `json:"count"`
}

// NotificationEvent is the payload pushed to clients for a new notification.
type NotificationEvent struct {
	NotificationID string         `json:"notificationId,omitempty"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Priority       model.Priority `json:"priority,omitempty"`
	Timestamp      string         `json:"timestamp"`
	UserID         string         `json:"userId,omitempty"`
	OrganisationID string         `json:"organisationId,omitempty"`
}

// NewNotificationEvent builds the client payload for a notification.
func NewNotificationEvent(n *model.Notification) NotificationEvent {
	return NotificationEvent{
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		Priority:       n.Priority,
		Timestamp:      common.FormatTimestamp(n.CreatedAt),
		UserID:         n.UserID,
		OrganisationID: n.OrganisationID,
	}
}

// MarkedAsReadEvent confirms that a notification was marked as read.
type MarkedAsReadEvent struct {
	NotificationID string `json:"notificationId"`
	UnreadCount    int64  `json:"unreadCount"`
}

// AllMarkedAsReadEvent confirms that all of a user's notifications were marked as read.
type AllMarkedAsReadEvent struct {
	UnreadCount int64 `json:"unreadCount"`
}

// DeliveryAcknowledgedEvent confirms that a delivery acknowledgement was recorded.
type DeliveryAcknowledgedEvent struct {
	NotificationID string `json:"notificationId"`
	AcknowledgedAt string `json:"acknowledgedAt"`
}

// EventFrame is a server to client message.
type EventFrame struct {
	Type      string `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// InvocationFrame is a client to server message.
type InvocationFrame struct {
	Type      string            `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

// EncodeEvent renders an event frame.
func EncodeEvent(event string, payload any) ([]byte, error) {
	frame, err := json.Marshal(EventFrame{Type: FrameEvent, Target: event, Arguments: []any{payload}})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to encode the %s event", event)
	}
	return frame, nil
}

// StringArgument returns the string argument at position i of an invocation.
func (f *InvocationFrame) StringArgument(i int) (string, error) {
	if i >= len(f.Arguments) {
		return "", errors.Errorf("%s expects at least %d arguments", f.Target, i+1)
	}
	var value string
	if err := json.Unmarshal(f.Arguments[i], &value); err != nil {
		return "", errors.Wrapf(err, "argument %d of %s is not a string", i, f.Target)
	}
	return value, nil
}

func heartbeat(now time.Time) HeartbeatEvent {
	return HeartbeatEvent{Timestamp: common.FormatTimestamp(now)}
}
