package model

import (
	"strings"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/pkg/errors"
)

// Attachment is a file attached to an email.
type Attachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
	IsInline    bool   `json:"isInline,omitempty"`
	ContentID   string `json:"contentId,omitempty"`
}

// EmailPayload holds the fields that only apply to email envelopes.
type EmailPayload struct {
	From        string       `json:"from,omitempty"`
	FromName    string       `json:"fromName,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	CC          []string     `json:"cc,omitempty"`
	BCC         []string     `json:"bcc,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsHTML      bool         `json:"isHtml"`
}

// SMSPayload holds the fields that only apply to SMS envelopes.
type SMSPayload struct {
	FromNumber string `json:"fromNumber,omitempty"`
	ToNumber   string `json:"toNumber"`
	IsUnicode  bool   `json:"isUnicode,omitempty"`
}

// PushPayload holds the fields that only apply to push envelopes.
type PushPayload struct {
	DeviceToken string            `json:"deviceToken"`
	AppID       string            `json:"appId,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Sound       string            `json:"sound,omitempty"`
	Badge       *int              `json:"badge,omitempty"`
}

// Envelope is the message published to the broker for a queued notification. Exactly one of the
// Email, SMS and Push payloads is set, and it must agree with Channel.
type Envelope struct {
	MessageID      string         `json:"messageId"`
	NotificationID string         `json:"notificationId"`
	Type           string         `json:"type"`
	Channel        Channel        `json:"channel"`
	UserID         string         `json:"userId,omitempty"`
	OrganisationID string         `json:"organisationId,omitempty"`
	RecipientEmail string         `json:"recipientEmail,omitempty"`
	RecipientPhone string         `json:"recipientPhone,omitempty"`
	DeviceToken    string         `json:"deviceToken,omitempty"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	Priority       Priority       `json:"priority"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	ScheduledFor   *time.Time     `json:"scheduledFor,omitempty"`
	RetryCount     int            `json:"retryCount"`
	Status         Status         `json:"status"`

	Email *EmailPayload `json:"email,omitempty"`
	SMS   *SMSPayload   `json:"sms,omitempty"`
	Push  *PushPayload  `json:"push,omitempty"`
}

// Contact is the address information needed to reach the target of a notification.
type Contact struct {
	Name        string
	Email       string
	Phone       string
	DeviceToken string
}

// NewEnvelope builds the envelope for a queued notification, selecting the channel payload from
// the notification's channel. Metadata keys recipient_email, recipient_phone and device_token
// take precedence over the contact.
func NewEnvelope(messageID string, n *Notification, contact Contact) *Envelope {
	env := &Envelope{
		MessageID:      messageID,
		NotificationID: n.ID,
		Type:           n.Type,
		Channel:        n.Channel,
		UserID:         n.UserID,
		OrganisationID: n.OrganisationID,
		Subject:        n.Title,
		Body:           n.Message,
		Priority:       n.Priority,
		Metadata:       n.Metadata,
		CreatedAt:      n.CreatedAt,
		RetryCount:     n.RetryCount,
		Status:         n.Status,
	}

	switch n.Channel {
	case ChannelEmail:
		env.RecipientEmail = firstNonEmpty(n.MetadataString("recipient_email"), contact.Email)
		env.Email = &EmailPayload{
			ReplyTo: n.MetadataString("reply_to"),
			IsHTML:  n.MetadataString("is_html") != "false",
		}
	case ChannelSMS:
		env.RecipientPhone = firstNonEmpty(n.MetadataString("recipient_phone"), contact.Phone)
		env.SMS = &SMSPayload{ToNumber: env.RecipientPhone}
	case ChannelPush:
		env.DeviceToken = firstNonEmpty(n.MetadataString("device_token"), contact.DeviceToken)
		data := map[string]string{
			"notificationId": n.ID,
			"type":           n.Type,
		}
		env.Push = &PushPayload{DeviceToken: env.DeviceToken, Data: data, Sound: "default"}
	}

	return env
}

// Validate checks that the envelope carries exactly the payload its channel calls for and that
// the recipient fields are usable.
func (e *Envelope) Validate() error {
	if e.NotificationID == "" {
		return errors.New("envelope has no notification ID")
	}

	set := 0
	for _, present := range []bool{e.Email != nil, e.SMS != nil, e.Push != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return errors.Errorf("envelope must carry exactly one channel payload, found %d", set)
	}

	switch e.Channel {
	case ChannelEmail:
		if e.Email == nil {
			return errors.New("email envelope has no email payload")
		}
		if err := common.ValidateEmailAddress(e.RecipientEmail); err != nil {
			return errors.Wrapf(err, "invalid recipient email address %q", e.RecipientEmail)
		}
		for _, addr := range append(append([]string{}, e.Email.CC...), e.Email.BCC...) {
			if err := common.ValidateEmailAddress(addr); err != nil {
				return errors.Wrapf(err, "invalid copy address %q", addr)
			}
		}
		if e.Email.ReplyTo != "" {
			if err := common.ValidateEmailAddress(e.Email.ReplyTo); err != nil {
				return errors.Wrapf(err, "invalid reply-to address %q", e.Email.ReplyTo)
			}
		}
	case ChannelSMS:
		if e.SMS == nil {
			return errors.New("sms envelope has no sms payload")
		}
		if strings.TrimSpace(e.SMS.ToNumber) == "" {
			return errors.New("sms envelope has no recipient phone number")
		}
	case ChannelPush:
		if e.Push == nil {
			return errors.New("push envelope has no push payload")
		}
		if strings.TrimSpace(e.Push.DeviceToken) == "" {
			return errors.New("push envelope has no device token")
		}
	default:
		return errors.Errorf("channel %q is not delivered through the broker", e.Channel)
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
