package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification(channel Channel) *Notification {
	return &Notification{
		ID:        "5b1f6c0e-3a5d-4d67-9d0f-6a2a0e2d9f11",
		UserID:    "user-1",
		Type:      "audit_assigned",
		Title:     "New audit",
		Message:   "You have been assigned an audit",
		Priority:  PriorityHigh,
		Channel:   channel,
		Status:    StatusPending,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewEnvelopeEmail(t *testing.T) {
	assert := assert.New(t)

	env := NewEnvelope("msg-1", testNotification(ChannelEmail), Contact{Email: "auditor@example.com"})
	require.NotNil(t, env.Email)
	assert.Nil(env.SMS)
	assert.Nil(env.Push)
	assert.Equal("auditor@example.com", env.RecipientEmail)
	assert.Equal("New audit", env.Subject)
	assert.True(env.Email.IsHTML)
	assert.NoError(env.Validate())
}

func TestNewEnvelopeMetadataOverridesContact(t *testing.T) {
	assert := assert.New(t)

	n := testNotification(ChannelSMS)
	n.Metadata = map[string]any{"recipient_phone": "+15550100"}
	env := NewEnvelope("msg-2", n, Contact{Phone: "+15550199"})
	require.NotNil(t, env.SMS)
	assert.Equal("+15550100", env.SMS.ToNumber)
	assert.NoError(env.Validate())
}

func TestNewEnvelopePush(t *testing.T) {
	assert := assert.New(t)

	env := NewEnvelope("msg-3", testNotification(ChannelPush), Contact{DeviceToken: "device-abc"})
	require.NotNil(t, env.Push)
	assert.Equal("device-abc", env.Push.DeviceToken)
	assert.Equal(env.NotificationID, env.Push.Data["notificationId"])
	assert.NoError(env.Validate())
}

func TestEnvelopeValidate(t *testing.T) {
	assert := assert.New(t)

	// Missing recipient.
	env := NewEnvelope("msg-4", testNotification(ChannelEmail), Contact{})
	assert.Error(env.Validate())

	// Malformed copy address.
	env = NewEnvelope("msg-5", testNotification(ChannelEmail), Contact{Email: "a@example.com"})
	env.Email.CC = []string{"not an address"}
	assert.Error(env.Validate())

	// Two payloads.
	env = NewEnvelope("msg-6", testNotification(ChannelSMS), Contact{Phone: "+15550100"})
	env.Push = &PushPayload{DeviceToken: "x"}
	assert.Error(env.Validate())

	// Payload disagrees with channel.
	env = NewEnvelope("msg-7", testNotification(ChannelSMS), Contact{Phone: "+15550100"})
	env.Channel = ChannelPush
	assert.Error(env.Validate())

	// In-app notifications never travel as envelopes.
	env = NewEnvelope("msg-8", testNotification(ChannelInApp), Contact{})
	assert.Error(env.Validate())
}

func TestNotificationValidate(t *testing.T) {
	assert := assert.New(t)

	n := testNotification(ChannelInApp)
	assert.NoError(n.Validate())

	n.UserID = ""
	assert.Error(n.Validate(), "a notification with no target is invalid")

	n.OrganisationID = "org-1"
	assert.NoError(n.Validate())

	n.Channel = ""
	assert.Error(n.Validate())
}

func TestIdentityCanAccess(t *testing.T) {
	assert := assert.New(t)

	id := Identity{UserID: "user-1", Role: RoleAuditor, OrganisationID: "org-1"}
	assert.True(id.CanAccess(&Notification{UserID: "user-1"}))
	assert.False(id.CanAccess(&Notification{UserID: "user-2", OrganisationID: "org-1"}))
	assert.True(id.CanAccess(&Notification{OrganisationID: "org-1"}))
	assert.False(id.CanAccess(&Notification{OrganisationID: "org-2"}))
	assert.False(id.CanSendSystemAlerts())
}

func TestTemplateRender(t *testing.T) {
	assert := assert.New(t)

	tmpl := &Template{
		Title:   "Audit {auditName} due",
		Message: "<p>Hello {userName}, the audit at {storeName} is due {dueDate}.</p>",
	}
	values := map[string]string{"auditName": "Q3", "userName": "Sam", "storeName": "Store 12"}

	result := tmpl.Render(values, ChannelInApp)
	assert.Equal("Audit Q3 due", result.Title)
	assert.Equal("Hello Sam, the audit at Store 12 is due .", result.Message)
	assert.Equal([]string{"dueDate"}, result.Unresolved)

	result = tmpl.Render(values, ChannelEmail)
	assert.Contains(result.Message, "<p>")
}
