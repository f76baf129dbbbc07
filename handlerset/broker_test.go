package handlerset

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

type fakeBinding struct {
	key   string
	queue string
}

type fakeQueue struct {
	name       string
	args       amqp.Table
	deliveries chan amqp.Delivery
}

type inflightDelivery struct {
	queue    string
	delivery amqp.Delivery
}

// fakeBroker is an in-memory stand-in for a RabbitMQ channel. Retry queues dead-letter
// immediately instead of waiting for their TTL to expire.
type fakeBroker struct {
	mu          sync.Mutex
	exchanges   map[string]string
	queues      map[string]*fakeQueue
	bindings    map[string][]fakeBinding
	inflight    map[uint64]inflightDelivery
	nextTag     uint64
	acks        int
	requeues    int
	failPublish bool
	qos         int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: map[string]string{},
		queues:    map[string]*fakeQueue{},
		bindings:  map[string][]fakeBinding{},
		inflight:  map[uint64]inflightDelivery{},
	}
}

func (b *fakeBroker) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

func (b *fakeBroker) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &fakeQueue{name: name, args: args, deliveries: make(chan amqp.Delivery, 100)}
	}
	return amqp.Queue{Name: name}, nil
}

func (b *fakeBroker) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[exchange] = append(b.bindings[exchange], fakeBinding{key: key, queue: name})
	return nil
}

func (b *fakeBroker) Qos(prefetchCount, _ int, _ bool) error {
	b.qos = prefetchCount
	return nil
}

func (b *fakeBroker) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish {
		return errors.New("channel/connection is not open")
	}
	b.route(exchange, key, msg)
	return nil
}

func (b *fakeBroker) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, errors.Errorf("no queue named %s", queue)
	}
	return q.deliveries, nil
}

func (b *fakeBroker) Close() error {
	return nil
}

func (b *fakeBroker) route(exchange, key string, msg amqp.Publishing) {
	for _, binding := range b.bindings[exchange] {
		if binding.key != "#" && binding.key != key {
			continue
		}
		q := b.queues[binding.queue]

		// Retry queues hand their messages straight back once the TTL would have expired.
		if _, ok := q.args["x-message-ttl"]; ok {
			b.route(q.args["x-dead-letter-exchange"].(string), q.args["x-dead-letter-routing-key"].(string), msg)
			continue
		}

		b.nextTag++
		delivery := amqp.Delivery{
			Acknowledger: b,
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			Priority:     msg.Priority,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			Type:         msg.Type,
			DeliveryTag:  b.nextTag,
			Exchange:     exchange,
			RoutingKey:   key,
			Body:         msg.Body,
		}
		b.inflight[b.nextTag] = inflightDelivery{queue: q.name, delivery: delivery}
		q.deliveries <- delivery
	}
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, tag)
	b.acks++
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inflight, ok := b.inflight[tag]
	if !ok {
		return errors.Errorf("unknown delivery tag %d", tag)
	}
	delete(b.inflight, tag)

	d := inflight.delivery
	msg := amqp.Publishing{
		Headers:      d.Headers,
		ContentType:  d.ContentType,
		DeliveryMode: d.DeliveryMode,
		Priority:     d.Priority,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Type:         d.Type,
		Body:         d.Body,
	}

	if requeue {
		b.requeues++
		return nil
	}

	q := b.queues[inflight.queue]
	if dlx, ok := q.args["x-dead-letter-exchange"].(string); ok {
		b.route(dlx, d.RoutingKey, msg)
	}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

func (b *fakeBroker) queue(name string) *fakeQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}
