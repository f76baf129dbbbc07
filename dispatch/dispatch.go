package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/metrics"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var log = common.Log.WithFields(logrus.Fields{"package": "dispatch"})

// RetryCountHeader carries the number of times a message has been retried.
const RetryCountHeader = "x-retry-count"

// NotificationIDHeader carries the ID of the notification an envelope delivers.
const NotificationIDHeader = "x-notification-id"

// RoutingKeys maps each queued channel to its routing key on the topic exchange.
var RoutingKeys = map[model.Channel]string{
	model.ChannelEmail: "email",
	model.ChannelSMS:   "sms",
	model.ChannelPush:  "push",
}

// RoutingKey returns the routing key for a channel. In-app, empty and unknown channels are not
// routed through the broker.
func RoutingKey(channel model.Channel) (string, error) {
	key, ok := RoutingKeys[channel]
	if !ok {
		return "", handlers.NewValidationError("channel %q has no routing key", channel)
	}
	return key, nil
}

// Dispatcher publishes envelopes for asynchronous delivery.
type Dispatcher interface {
	Publish(ctx context.Context, env *model.Envelope) error
}

// Publisher is the part of an AMQP channel the dispatcher needs.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPDispatcher publishes envelopes to a topic exchange.
type AMQPDispatcher struct {
	publisher Publisher
	exchange  string
	tracer    trace.Tracer
	now       func() time.Time
}

// New returns a dispatcher that publishes to the named exchange. The exchange must already be
// declared.
func New(publisher Publisher, exchange string) *AMQPDispatcher {
	return &AMQPDispatcher{
		publisher: publisher,
		exchange:  exchange,
		tracer:    otel.Tracer("github.com/actuallyroy/audit-notifier/dispatch"),
		now:       time.Now,
	}
}

var amqpPriorities = map[model.Priority]uint8{
	model.PriorityLow:    1,
	model.PriorityMedium: 4,
	model.PriorityHigh:   7,
	model.PriorityUrgent: 9,
}

// Publish validates the envelope and publishes it as a persistent message with a unique message
// ID and a timestamp.
func (d *AMQPDispatcher) Publish(ctx context.Context, env *model.Envelope) error {
	wrapMsg := "unable to publish envelope"

	key, err := RoutingKey(env.Channel)
	if err != nil {
		return err
	}
	if err = env.Validate(); err != nil {
		return handlers.NewValidationError("invalid %s envelope: %s", env.Channel, err.Error())
	}

	_, span := d.tracer.Start(ctx, "publish "+key,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", d.exchange),
			attribute.String("messaging.rabbitmq.routing_key", key),
			attribute.String("notification.id", env.NotificationID),
		),
	)
	defer span.End()

	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	msg := amqp.Publishing{
		Headers: amqp.Table{
			RetryCountHeader:     int32(env.RetryCount),
			NotificationIDHeader: env.NotificationID,
		},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriorities[env.Priority],
		MessageId:    env.MessageID,
		Timestamp:    d.now().UTC(),
		Type:         env.Type,
		Body:         body,
	}

	if err = d.publisher.Publish(d.exchange, key, false, false, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.EnvelopesPublished.WithLabelValues(string(env.Channel), metrics.OutcomeFailed).Inc()
		return errors.Wrap(err, wrapMsg)
	}

	metrics.EnvelopesPublished.WithLabelValues(string(env.Channel), metrics.OutcomePublished).Inc()
	log.WithFields(logrus.Fields{
		"notification_id": env.NotificationID,
		"message_id":      env.MessageID,
		"routing_key":     key,
	}).Debug("published envelope")

	return nil
}

// NullDispatcher drops every envelope. It is used when the broker is disabled.
type NullDispatcher struct{}

// Publish logs the envelope and discards it.
func (NullDispatcher) Publish(_ context.Context, env *model.Envelope) error {
	log.WithFields(logrus.Fields{
		"notification_id": env.NotificationID,
		"channel":         env.Channel,
	}).Warn("message broker disabled, dropping envelope")
	return nil
}
