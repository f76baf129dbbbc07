package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Status is the delivery state of a notification.
type Status string

// The possible delivery states of a notification.
const (
	StatusPending     Status = "pending"
	StatusSent        Status = "sent"
	StatusBroadcasted Status = "broadcasted"
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusPending, StatusSent, StatusBroadcasted, StatusDelivered, StatusFailed}

// ParseStatus converts a string to a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, status := range Statuses {
		if strings.EqualFold(s, string(status)) {
			return status, nil
		}
	}
	return "", errors.Errorf("unknown notification status: %q", s)
}

// Channel identifies the medium a notification is delivered through.
type Channel string

// The supported delivery channels.
const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush}

// ParseChannel converts a string to a Channel. An empty string is an error; callers that want a
// default must apply it themselves.
func ParseChannel(s string) (Channel, error) {
	for _, channel := range Channels {
		if strings.EqualFold(s, string(channel)) {
			return channel, nil
		}
	}
	return "", errors.Errorf("unknown notification channel: %q", s)
}

// Queued returns true if notifications on the channel are delivered through the message broker.
func (c Channel) Queued() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelPush
}

// Priority is the urgency of a notification.
type Priority string

// The supported priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists the priorities from least to most urgent.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// ParsePriority converts a string to a Priority. The empty string maps to PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	for _, priority := range Priorities {
		if strings.EqualFold(s, string(priority)) {
			return priority, nil
		}
	}
	return "", errors.Errorf("unknown notification priority: %q", s)
}

// Notification is a single notification and its lifecycle state.
type Notification struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId,omitempty"`
	OrganisationID string         `json:"organisationId,omitempty"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Priority       Priority       `json:"priority"`
	Channel        Channel        `json:"channel"`
	Status         Status         `json:"status"`
	IsRead         bool           `json:"isRead"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
	RetryCount     int            `json:"retryCount"`
	SentAt         *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
}

// Validate checks the fields a caller must supply when creating a notification.
func (n *Notification) Validate() error {
	if n.UserID == "" && n.OrganisationID == "" {
		return errors.New("a notification must target a user or an organisation")
	}
	if strings.TrimSpace(n.Type) == "" {
		return errors.New("a notification type is required")
	}
	if strings.TrimSpace(n.Title) == "" {
		return errors.New("a notification title is required")
	}
	if _, err := ParseChannel(string(n.Channel)); err != nil {
		return err
	}
	if _, err := ParsePriority(string(n.Priority)); err != nil {
		return err
	}
	return nil
}

// Expired returns true if the notification has an expiry time that is before now.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

// MetadataString returns the metadata value for key if it is a non-empty string.
func (n *Notification) MetadataString(key string) string {
	if n.Metadata == nil {
		return ""
	}
	value, ok := n.Metadata[key].(string)
	if !ok {
		return ""
	}
	return value
}
