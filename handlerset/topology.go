package handlerset

import (
	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/dispatch"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

// RetryExchange returns the name of the exchange retried messages are parked on.
func RetryExchange(settings common.AMQPSettings) string {
	return settings.Exchange.Name + ".retry"
}

// RetryQueue returns the name of the queue that holds retries for a channel queue.
func RetryQueue(queue string) string {
	return queue + ".retry"
}

// QueueFor returns the queue that delivers the given channel.
func QueueFor(settings common.AMQPSettings, channel model.Channel) (string, error) {
	switch channel {
	case model.ChannelEmail:
		return settings.Queues.Email, nil
	case model.ChannelSMS:
		return settings.Queues.SMS, nil
	case model.ChannelPush:
		return settings.Queues.Push, nil
	default:
		return "", errors.Errorf("channel %q has no queue", channel)
	}
}

// DeclareTopology declares the durable topic exchange, one durable queue per channel, a retry
// queue per channel and the dead-letter queue.
//
// Each channel queue dead-letters to the dead-letter exchange, so rejecting a delivery without
// requeueing moves it to the dead-letter queue. Each retry queue holds messages for the retry
// delay and then dead-letters them back to the main exchange under the channel's routing key.
func DeclareTopology(ch Channel, settings common.AMQPSettings) error {
	wrapMsg := "unable to declare the AMQP topology"

	exchange := settings.Exchange.Name
	retryExchange := RetryExchange(settings)
	deadLetterExchange := settings.DeadLetter.Exchange

	// Declare the exchanges.
	if err := ch.ExchangeDeclare(exchange, settings.Exchange.Type, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if err := ch.ExchangeDeclare(retryExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if err := ch.ExchangeDeclare(deadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Declare the dead-letter queue.
	if _, err := ch.QueueDeclare(settings.DeadLetter.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if err := ch.QueueBind(settings.DeadLetter.Queue, "#", deadLetterExchange, false, nil); err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Declare the channel queues and their retry queues.
	for _, channel := range []model.Channel{model.ChannelEmail, model.ChannelSMS, model.ChannelPush} {
		queue, err := QueueFor(settings, channel)
		if err != nil {
			return errors.Wrap(err, wrapMsg)
		}
		key, err := dispatch.RoutingKey(channel)
		if err != nil {
			return errors.Wrap(err, wrapMsg)
		}

		queueArgs := amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
		if _, err = ch.QueueDeclare(queue, true, false, false, false, queueArgs); err != nil {
			return errors.Wrap(err, wrapMsg)
		}
		if err = ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return errors.Wrap(err, wrapMsg)
		}

		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    exchange,
			"x-dead-letter-routing-key": key,
			"x-message-ttl":             int32(settings.RetryDelay.Milliseconds()),
		}
		if _, err = ch.QueueDeclare(RetryQueue(queue), true, false, false, false, retryArgs); err != nil {
			return errors.Wrap(err, wrapMsg)
		}
		if err = ch.QueueBind(RetryQueue(queue), key, retryExchange, false, nil); err != nil {
			return errors.Wrap(err, wrapMsg)
		}
	}

	return nil
}
