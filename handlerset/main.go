package handlerset

import (
	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/handlers"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var log = common.Log.WithFields(logrus.Fields{"package": "handlerset"})

// Channel is the part of an AMQP channel used to declare the topology, consume deliveries and
// republish retries. *amqp.Channel satisfies it.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection is an open connection to the AMQP broker.
type Connection struct {
	conn *amqp.Connection
}

// Connect dials the AMQP broker.
func Connect(uri string) (*Connection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to the AMQP broker")
	}
	return &Connection{conn: conn}, nil
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to open an AMQP channel")
	}
	return ch, nil
}

// NotifyClose returns a channel that receives the error that closed the connection.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// HandlerSet represents a set of AMQP message handlers, one per queued channel, together with
// the channel they consume from.
type HandlerSet struct {
	channel    Channel
	settings   common.AMQPSettings
	store      db.Store
	handlerFor map[model.Channel]handlers.MessageHandler
	tracer     trace.Tracer
	log        *logrus.Entry
}

// New declares the exchanges and queues and creates a new handler set.
func New(
	channel Channel,
	settings common.AMQPSettings,
	store db.Store,
	handlerFor map[model.Channel]handlers.MessageHandler,
) (*HandlerSet, error) {
	wrapMsg := "unable to create the message handler set"

	// Make sure the exchanges and queues exist.
	if err := DeclareTopology(channel, settings); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Limit the number of unacknowledged deliveries per consumer.
	if err := channel.Qos(settings.Prefetch, 0, false); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Build and return the handler set.
	handlerSet := HandlerSet{
		channel:    channel,
		settings:   settings,
		store:      store,
		handlerFor: handlerFor,
		tracer:     otel.Tracer("github.com/actuallyroy/audit-notifier/handlerset"),
		log:        log,
	}
	return &handlerSet, nil
}

// Close closes the channel the handler set consumes from.
func (hs *HandlerSet) Close() {
	if err := hs.channel.Close(); err != nil {
		hs.log.WithError(err).Warn("unable to close the AMQP channel")
	}
}
