package handlerset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/actuallyroy/audit-notifier/dispatch"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/metrics"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryCount extracts the retry count header from a delivery. A missing or unreadable header
// counts as zero.
func RetryCount(headers amqp.Table) int {
	switch v := headers[dispatch.RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// Listen starts the configured number of consumers for every handler and blocks until the
// context is cancelled and every consumer has stopped. Consumers finish the delivery they are
// processing before they stop.
func (hs *HandlerSet) Listen(ctx context.Context) error {
	var wg sync.WaitGroup

	for channel, handler := range hs.handlerFor {
		queue, err := QueueFor(hs.settings, channel)
		if err != nil {
			return err
		}

		for i := 0; i < hs.settings.Consumers; i++ {
			tag := fmt.Sprintf("%s-%s-%d", queue, hs.settings.Exchange.Name, i)
			deliveries, err := hs.channel.Consume(queue, tag, false, false, false, false, nil)
			if err != nil {
				return errors.Wrapf(err, "unable to consume from %s", queue)
			}

			wg.Add(1)
			go func(handler handlers.MessageHandler, deliveries <-chan amqp.Delivery, tag string) {
				defer wg.Done()
				hs.consume(ctx, handler, deliveries, tag)
			}(handler, deliveries, tag)
		}
	}

	wg.Wait()
	return nil
}

func (hs *HandlerSet) consume(ctx context.Context, handler handlers.MessageHandler, deliveries <-chan amqp.Delivery, tag string) {
	logger := hs.log.WithFields(logrus.Fields{"consumer": tag, "channel": handler.Channel()})
	logger.Info("consumer started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer stopping")
			return
		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("delivery channel closed")
				return
			}
			hs.Process(ctx, handler, delivery)
		}
	}
}

// Process handles a single delivery and settles it with the broker. Success records the
// notification as sent and acknowledges the delivery. A transient failure below the retry limit
// increments the retry count, parks a copy on the retry queue and acknowledges the original.
// Anything else rejects the delivery to the dead-letter queue and records the notification as
// failed. Errors never escape.
func (hs *HandlerSet) Process(ctx context.Context, handler handlers.MessageHandler, delivery amqp.Delivery) {
	channel := handler.Channel()
	retries := RetryCount(delivery.Headers)

	// A delivery that has been taken is settled completely. Shutdown is only observed between
	// deliveries.
	ctx = context.WithoutCancel(ctx)

	ctx, span := hs.tracer.Start(ctx, "deliver "+string(channel),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message_id", delivery.MessageId),
			attribute.Int("notification.retry_count", retries),
		),
	)
	defer span.End()

	logger := hs.log.WithFields(logrus.Fields{
		"channel":     channel,
		"message_id":  delivery.MessageId,
		"retry_count": retries,
	})

	started := time.Now()
	env, err := handler.HandleMessage(ctx, delivery)
	metrics.DeliveryDuration.WithLabelValues(string(channel)).Observe(time.Since(started).Seconds())

	notificationID := ""
	if env != nil {
		notificationID = env.NotificationID
		logger = logger.WithField("notification_id", notificationID)
		span.SetAttributes(attribute.String("notification.id", notificationID))
	}

	// Delivered.
	if err == nil {
		hs.transition(ctx, logger, notificationID, model.StatusSent, "")
		hs.settle(logger, delivery.Ack(false))
		metrics.DeliveryOutcomes.WithLabelValues(string(channel), metrics.OutcomeAcked).Inc()
		logger.Info("notification delivered")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Retry transient failures until the limit is reached.
	if handlers.IsTransient(err) && retries < hs.settings.MaxRetries {
		if perr := hs.republish(delivery, retries+1); perr != nil {
			// The broker still holds the original, so hand it back rather than lose it.
			logger.WithError(perr).Error("unable to park the delivery for retry, requeueing")
			hs.settle(logger, delivery.Nack(false, true))
			return
		}
		if notificationID != "" {
			if _, _, rerr := hs.store.IncrementRetry(ctx, notificationID, hs.settings.MaxRetries); rerr != nil {
				logger.WithError(rerr).Error("unable to record the retry")
			}
		}
		hs.settle(logger, delivery.Ack(false))
		metrics.DeliveryOutcomes.WithLabelValues(string(channel), metrics.OutcomeRetried).Inc()
		logger.WithError(err).Warn("delivery failed, scheduled a retry")
		return
	}

	// Dead-letter everything else.
	reason := err.Error()
	outcome := metrics.OutcomeRejected
	if handlers.IsTransient(err) {
		reason = handlers.NewPoisonMessageError("retries exhausted after %d attempts: %s", retries, err.Error()).Error()
		outcome = metrics.OutcomeDeadLettered
	}
	hs.transition(ctx, logger, notificationID, model.StatusFailed, reason)
	hs.settle(logger, delivery.Nack(false, false))
	metrics.DeliveryOutcomes.WithLabelValues(string(channel), outcome).Inc()
	logger.WithField("reason", reason).Error("delivery moved to the dead-letter queue")
}

func (hs *HandlerSet) republish(delivery amqp.Delivery, retries int) error {
	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[dispatch.RetryCountHeader] = int32(retries)

	return hs.channel.Publish(RetryExchange(hs.settings), delivery.RoutingKey, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     delivery.Priority,
		MessageId:    delivery.MessageId,
		Timestamp:    delivery.Timestamp,
		Type:         delivery.Type,
		Body:         delivery.Body,
	})
}

func (hs *HandlerSet) transition(ctx context.Context, logger *logrus.Entry, id string, to model.Status, reason string) {
	if id == "" {
		return
	}
	changed, err := hs.store.Transition(ctx, id, to, reason)
	if err != nil {
		logger.WithError(err).Errorf("unable to mark the notification %s", to)
		return
	}
	if !changed {
		logger.Warnf("notification was not in a state that can move to %s", to)
	}
}

func (hs *HandlerSet) settle(logger *logrus.Entry, err error) {
	if err != nil {
		logger.WithError(err).Error("unable to settle the delivery with the broker")
	}
}
