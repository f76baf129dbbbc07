package handlers

import (
	"context"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/streadway/amqp"
)

// MessageHandler describes the interface used to handle AMQP messages. The decoded envelope is
// returned whenever the body could be parsed, even if delivery failed, so that the caller can
// record the outcome against the notification.
type MessageHandler interface {
	Channel() model.Channel
	HandleMessage(ctx context.Context, delivery amqp.Delivery) (*model.Envelope, error)
}

// EmailSender delivers email envelopes. Provider errors are logged by the sender and reported as
// a false return value.
type EmailSender interface {
	SendEmail(ctx context.Context, env *model.Envelope) bool
}

// SMSSender delivers SMS envelopes.
type SMSSender interface {
	SendSms(ctx context.Context, env *model.Envelope) bool
}

// PushSender delivers push envelopes.
type PushSender interface {
	SendPush(ctx context.Context, env *model.Envelope) bool
}

// InitMessageHandlers returns a map from channel to message handler.
func InitMessageHandlers(email EmailSender, sms SMSSender, push PushSender) map[model.Channel]MessageHandler {
	return map[model.Channel]MessageHandler{
		model.ChannelEmail: NewEmailHandler(email),
		model.ChannelSMS:   NewSMSHandler(sms),
		model.ChannelPush:  NewPushHandler(push),
	}
}
