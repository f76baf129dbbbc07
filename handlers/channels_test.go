package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
)

// MockSender provides mock implementations of the provider senders.
type MockSender struct {
	Succeed bool
	Sent    []*model.Envelope
}

// SendEmail records the envelope and reports the configured outcome.
func (s *MockSender) SendEmail(_ context.Context, env *model.Envelope) bool {
	s.Sent = append(s.Sent, env)
	return s.Succeed
}

// SendSms records the envelope and reports the configured outcome.
func (s *MockSender) SendSms(_ context.Context, env *model.Envelope) bool {
	s.Sent = append(s.Sent, env)
	return s.Succeed
}

// SendPush records the envelope and reports the configured outcome.
func (s *MockSender) SendPush(_ context.Context, env *model.Envelope) bool {
	s.Sent = append(s.Sent, env)
	return s.Succeed
}

// FakeNotificationID is the identifier carried by the envelopes in this test.
const FakeNotificationID = "46ae63be-7030-4cdd-8eb9-66aa49fcf38b"

// getEnvelope returns a valid envelope for the given channel.
func getEnvelope(channel model.Channel) *model.Envelope {
	n := &model.Notification{
		ID:        FakeNotificationID,
		UserID:    "user-1",
		Type:      "audit_assigned",
		Title:     "New audit assigned",
		Message:   "Store 12 is ready for audit",
		Priority:  model.PriorityHigh,
		Channel:   channel,
		Status:    model.StatusPending,
		CreatedAt: time.Date(2020, 7, 7, 17, 59, 59, 0, time.UTC),
	}
	contact := model.Contact{Email: "sarahr@example.com", Phone: "+15550100", DeviceToken: "device-1"}
	return model.NewEnvelope("msg-1", n, contact)
}

func getDelivery(t *testing.T, env any) amqp.Delivery {
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("unable to marshal the envelope: %s", err.Error())
	}
	return amqp.Delivery{Body: body, RoutingKey: "email", MessageId: "msg-1"}
}

func TestEmailDelivery(t *testing.T) {
	assert := assert.New(t)

	sender := &MockSender{Succeed: true}
	handler := NewEmailHandler(sender)

	// Pass the delivery to the handler.
	env, err := handler.HandleMessage(context.Background(), getDelivery(t, getEnvelope(model.ChannelEmail)))
	if err != nil {
		t.Fatalf("unexpected error returned by email handler: %s", err.Error())
	}

	// Verify that the envelope reached the provider and spot-check a couple of fields.
	if len(sender.Sent) != 1 {
		t.Fatalf("expected one envelope to be sent, got %d", len(sender.Sent))
	}
	assert.Equal(FakeNotificationID, env.NotificationID, "incorrect ID")
	assert.Equal("sarahr@example.com", sender.Sent[0].RecipientEmail, "incorrect address in email")
	assert.Equal("New audit assigned", sender.Sent[0].Subject, "incorrect subject in email")
}

func TestProviderFailureIsTransient(t *testing.T) {
	assert := assert.New(t)

	for _, channel := range []model.Channel{model.ChannelEmail, model.ChannelSMS, model.ChannelPush} {
		sender := &MockSender{Succeed: false}
		handler := InitMessageHandlers(sender, sender, sender)[channel]

		env, err := handler.HandleMessage(context.Background(), getDelivery(t, getEnvelope(channel)))
		assert.True(IsTransient(err), "%s: expected a transient error, got %v", channel, err)
		assert.NotNil(env, "%s: the envelope should be returned with the error", channel)
		assert.Len(sender.Sent, 1)
	}
}

func TestMalformedBodyIsRejected(t *testing.T) {
	sender := &MockSender{Succeed: true}
	handler := NewSMSHandler(sender)

	env, err := handler.HandleMessage(context.Background(), amqp.Delivery{Body: []byte("{not json")})
	assert.Nil(t, env)
	assert.True(t, IsValidation(err))
	assert.Empty(t, sender.Sent, "nothing should be sent for a malformed body")
}

func TestWrongQueueIsRejected(t *testing.T) {
	sender := &MockSender{Succeed: true}
	handler := NewPushHandler(sender)

	env, err := handler.HandleMessage(context.Background(), getDelivery(t, getEnvelope(model.ChannelSMS)))
	assert.NotNil(t, env)
	assert.True(t, IsValidation(err))
	assert.Empty(t, sender.Sent)
}

func TestInvalidEnvelopeIsRejected(t *testing.T) {
	sender := &MockSender{Succeed: true}
	handler := NewEmailHandler(sender)

	env := getEnvelope(model.ChannelEmail)
	env.RecipientEmail = "not-an-address"

	_, err := handler.HandleMessage(context.Background(), getDelivery(t, env))
	assert.True(t, IsValidation(err), "expected a validation error, got %v", err)
	assert.Empty(t, sender.Sent)
}
