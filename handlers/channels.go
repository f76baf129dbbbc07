package handlers

import (
	"context"
	"encoding/json"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/streadway/amqp"
)

// ChannelHandler is a message handler for the envelopes published to one channel queue.
type ChannelHandler struct {
	channel model.Channel
	deliver func(ctx context.Context, env *model.Envelope) bool
}

// NewEmailHandler returns a handler that delivers email envelopes.
func NewEmailHandler(sender EmailSender) *ChannelHandler {
	return &ChannelHandler{channel: model.ChannelEmail, deliver: sender.SendEmail}
}

// NewSMSHandler returns a handler that delivers SMS envelopes.
func NewSMSHandler(sender SMSSender) *ChannelHandler {
	return &ChannelHandler{channel: model.ChannelSMS, deliver: sender.SendSms}
}

// NewPushHandler returns a handler that delivers push envelopes.
func NewPushHandler(sender PushSender) *ChannelHandler {
	return &ChannelHandler{channel: model.ChannelPush, deliver: sender.SendPush}
}

// Channel returns the channel the handler delivers.
func (h *ChannelHandler) Channel() model.Channel {
	return h.channel
}

// DecodeEnvelope parses the body of an AMQP delivery.
func DecodeEnvelope(delivery amqp.Delivery) (*model.Envelope, error) {
	var env model.Envelope
	err := json.Unmarshal(delivery.Body, &env)
	if err != nil {
		return nil, NewValidationError("unable to parse message body: %s", err.Error())
	}
	return &env, nil
}

// HandleMessage handles a single AMQP delivery.
func (h *ChannelHandler) HandleMessage(ctx context.Context, delivery amqp.Delivery) (*model.Envelope, error) {

	// Parse the message body.
	env, err := DecodeEnvelope(delivery)
	if err != nil {
		return nil, err
	}

	// The envelope must belong on this queue and carry a usable payload.
	if env.Channel != h.channel {
		return env, NewValidationError("%s envelope received on the %s queue", env.Channel, h.channel)
	}
	if err = env.Validate(); err != nil {
		return env, NewValidationError("invalid %s envelope: %s", h.channel, err.Error())
	}

	// Hand the envelope to the provider.
	if !h.deliver(ctx, env) {
		return env, NewTransientProviderError("%s provider did not accept notification %s", h.channel, env.NotificationID)
	}

	return env, nil
}
