package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// backplaneMessage is what instances exchange over Redis.
type backplaneMessage struct {
	Scope string          `json:"scope"`
	Key   string          `json:"key,omitempty"`
	Frame json.RawMessage `json:"frame"`
}

// Backplane relays broadcasts through a Redis channel so that every hub instance, including the
// sender, delivers them to its own connections.
type Backplane struct {
	client    redis.UniversalClient
	channel   string
	hub       *Hub
	ready     chan struct{}
	readyOnce sync.Once
}

// NewBackplane returns a Backplane that publishes on the named Redis channel and delivers to hub.
func NewBackplane(client redis.UniversalClient, channel string, hub *Hub) *Backplane {
	return &Backplane{
		client:  client,
		channel: channel,
		hub:     hub,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the backplane is subscribed.
func (b *Backplane) Ready() <-chan struct{} {
	return b.ready
}

func (b *Backplane) publish(ctx context.Context, scope, key, event string, payload any) error {
	wrapMsg := "unable to publish to the broadcast backplane"

	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(backplaneMessage{Scope: scope, Key: key, Frame: frame})
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if err = b.client.Publish(ctx, b.channel, msg).Err(); err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	return nil
}

// SendToUser sends an event to a user's connections on every instance.
func (b *Backplane) SendToUser(ctx context.Context, userID, event string, payload any) error {
	return b.publish(ctx, ScopeUser, userID, event, payload)
}

// SendToOrganisation sends an event to an organisation's connections on every instance.
func (b *Backplane) SendToOrganisation(ctx context.Context, organisationID, event string, payload any) error {
	return b.publish(ctx, ScopeOrganisation, organisationID, event, payload)
}

// SendToAll sends an event to every connection on every instance.
func (b *Backplane) SendToAll(ctx context.Context, event string, payload any) error {
	return b.publish(ctx, ScopeAll, "", event, payload)
}

// UpdateUnreadCount pushes a user's unread count to the user's connections on every instance.
func (b *Backplane) UpdateUnreadCount(ctx context.Context, userID string, count int64) error {
	return b.SendToUser(ctx, userID, EventUnreadCount, UnreadCountEvent{Count: count})
}

// Heartbeat only reaches local connections; every instance runs its own heartbeat.
func (b *Backplane) Heartbeat(ctx context.Context) error {
	return b.hub.Heartbeat(ctx)
}

// Run subscribes to the backplane channel and delivers incoming broadcasts to the local hub until
// the context is cancelled.
func (b *Backplane) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "unable to subscribe to %s", b.channel)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	log.WithField("channel", b.channel).Info("subscribed to the broadcast backplane")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("the broadcast backplane subscription closed")
			}
			b.deliver(msg.Payload)
		}
	}
}

func (b *Backplane) deliver(payload string) {
	var msg backplaneMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.WithError(err).Error("unable to decode a backplane message")
		return
	}
	if err := b.hub.Deliver(msg.Scope, msg.Key, msg.Frame); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"scope": msg.Scope, "key": msg.Key}).Error("unable to deliver a backplane message")
	}
}
