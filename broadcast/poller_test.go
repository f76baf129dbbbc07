package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/db"
	"github.com/actuallyroy/audit-notifier/dispatch"
	"github.com/actuallyroy/audit-notifier/hub"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/actuallyroy/audit-notifier/notifications"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type push struct {
	scope string
	key   string
	event string
	body  any
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	pushes  []push
	failFor map[string]bool
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{failFor: map[string]bool{}}
}

func (b *fakeBroadcaster) record(scope, key, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor[key] {
		return errors.New("backplane unavailable")
	}
	b.pushes = append(b.pushes, push{scope: scope, key: key, event: event, body: payload})
	return nil
}

func (b *fakeBroadcaster) SendToUser(_ context.Context, userID, event string, payload any) error {
	return b.record(hub.ScopeUser, userID, event, payload)
}

func (b *fakeBroadcaster) SendToOrganisation(_ context.Context, organisationID, event string, payload any) error {
	return b.record(hub.ScopeOrganisation, organisationID, event, payload)
}

func (b *fakeBroadcaster) SendToAll(_ context.Context, event string, payload any) error {
	return b.record(hub.ScopeAll, "", event, payload)
}

func (b *fakeBroadcaster) UpdateUnreadCount(ctx context.Context, userID string, count int64) error {
	return b.SendToUser(ctx, userID, hub.EventUnreadCount, hub.UnreadCountEvent{Count: count})
}

func (b *fakeBroadcaster) Heartbeat(ctx context.Context) error {
	return b.SendToAll(ctx, hub.EventHeartbeat, hub.HeartbeatEvent{})
}

func (b *fakeBroadcaster) notifications() []push {
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []push
	for _, p := range b.pushes {
		if p.event == hub.EventReceiveNotification {
			result = append(result, p)
		}
	}
	return result
}

func testPollerSettings() common.PollerSettings {
	return common.PollerSettings{Interval: 5 * time.Second, BatchSize: 100, ClaimLease: 30 * time.Second}
}

type pollerFixture struct {
	store       *db.MemoryStore
	service     *notifications.Service
	broadcaster *fakeBroadcaster
	poller      *Poller
}

func newPollerFixture() *pollerFixture {
	store := db.NewMemoryStore()
	broadcaster := newFakeBroadcaster()
	return &pollerFixture{
		store:       store,
		service:     notifications.NewService(store, dispatch.NullDispatcher{}),
		broadcaster: broadcaster,
		poller:      NewPoller(store, broadcaster, testPollerSettings()),
	}
}

func (f *pollerFixture) create(t *testing.T, n *model.Notification) *model.Notification {
	n.Type = "assignment"
	n.Title = "New assignment"
	n.Message = "Store 12"
	n.Channel = model.ChannelInApp
	created, err := f.service.Create(context.Background(), n)
	require.NoError(t, err)
	return created
}

func (f *pollerFixture) status(t *testing.T, id string) model.Status {
	n, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return n.Status
}

func TestTickBroadcastsToUserAndOrganisationGroups(t *testing.T) {
	assert := assert.New(t)
	f := newPollerFixture()
	toUser := f.create(t, &model.Notification{UserID: "alice", OrganisationID: "org-1"})
	toOrg := f.create(t, &model.Notification{OrganisationID: "org-1"})

	assert.Equal(2, f.poller.Tick(context.Background()))
	assert.Equal(model.StatusBroadcasted, f.status(t, toUser.ID))
	assert.Equal(model.StatusBroadcasted, f.status(t, toOrg.ID))

	pushes := f.broadcaster.notifications()
	require.Len(t, pushes, 2)
	byKey := map[string]push{}
	for _, p := range pushes {
		byKey[p.scope+":"+p.key] = p
	}
	require.Contains(t, byKey, "user:alice")
	require.Contains(t, byKey, "organisation:org-1")

	event := byKey["user:alice"].body.(hub.NotificationEvent)
	assert.Equal(toUser.ID, event.NotificationID)
	assert.Equal("assignment", event.Type)
	assert.Equal("New assignment", event.Title)
	assert.Equal("Store 12", event.Message)
	assert.Equal(model.PriorityMedium, event.Priority)
	assert.Equal("alice", event.UserID)
	assert.Equal("org-1", event.OrganisationID)
	assert.NotEmpty(event.Timestamp)
}

func TestTickPushesUnreadCount(t *testing.T) {
	f := newPollerFixture()
	f.create(t, &model.Notification{UserID: "alice"})

	f.poller.Tick(context.Background())

	var found bool
	for _, p := range f.broadcaster.pushes {
		if p.event == hub.EventUnreadCount && p.key == "alice" {
			found = true
			assert.Equal(t, int64(1), p.body.(hub.UnreadCountEvent).Count)
		}
	}
	assert.True(t, found)
}

func TestTickIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	f := newPollerFixture()
	f.create(t, &model.Notification{UserID: "alice"})
	f.create(t, &model.Notification{UserID: "bob"})

	assert.Equal(2, f.poller.Tick(context.Background()))
	assert.Zero(f.poller.Tick(context.Background()))
	assert.Len(f.broadcaster.notifications(), 2)
}

func TestTickSkipsOtherStatusesAndChannels(t *testing.T) {
	f := newPollerFixture()
	ctx := context.Background()

	delivered := f.create(t, &model.Notification{UserID: "alice"})
	_, _ = f.store.Transition(ctx, delivered.ID, model.StatusBroadcasted, "")
	_, _ = f.store.Transition(ctx, delivered.ID, model.StatusDelivered, "")

	email := &model.Notification{UserID: "alice", Type: "t", Title: "t", Channel: model.ChannelEmail, Status: model.StatusSent}
	require.NoError(t, f.store.Add(ctx, email))

	assert.Zero(t, f.poller.Tick(ctx))
	assert.Empty(t, f.broadcaster.notifications())
	assert.Equal(t, model.StatusDelivered, f.status(t, delivered.ID))
}

func TestTickFailureMarksFailedAndContinues(t *testing.T) {
	assert := assert.New(t)
	f := newPollerFixture()
	f.broadcaster.failFor["bob"] = true

	bad := f.create(t, &model.Notification{UserID: "bob"})
	good := f.create(t, &model.Notification{UserID: "alice"})

	assert.Equal(1, f.poller.Tick(context.Background()))

	stored, err := f.store.Get(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(model.StatusFailed, stored.Status)
	assert.Equal("backplane unavailable", stored.ErrorMessage)
	assert.Equal(model.StatusBroadcasted, f.status(t, good.ID))
}

func TestConcurrentPollersBroadcastOnce(t *testing.T) {
	f := newPollerFixture()
	for i := 0; i < 20; i++ {
		f.create(t, &model.Notification{UserID: "alice"})
	}
	second := NewPoller(f.store, f.broadcaster, testPollerSettings())

	var wg sync.WaitGroup
	totals := make([]int, 2)
	for i, p := range []*Poller{f.poller, second} {
		wg.Add(1)
		go func(i int, p *Poller) {
			defer wg.Done()
			totals[i] = p.Tick(context.Background())
		}(i, p)
	}
	wg.Wait()

	assert.Equal(t, 20, totals[0]+totals[1])
	assert.Len(t, f.broadcaster.notifications(), 20)
}

func TestExpiredClaimIsRebroadcast(t *testing.T) {
	assert := assert.New(t)
	f := newPollerFixture()
	n := f.create(t, &model.Notification{UserID: "alice"})

	// Another instance claimed the notification and crashed before advancing it.
	claimed, err := f.store.ClaimForBroadcast(context.Background(), n.ID, "crashed", time.Now().UTC(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Zero(f.poller.Tick(context.Background()))

	f.poller.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	assert.Equal(1, f.poller.Tick(context.Background()))
	assert.Equal(model.StatusBroadcasted, f.status(t, n.ID))
}

func TestTickStopsWhenCancelled(t *testing.T) {
	f := newPollerFixture()
	f.create(t, &model.Notification{UserID: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, f.poller.Tick(ctx))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newPollerFixture()
	n := f.create(t, &model.Notification{UserID: "alice"})
	f.poller.settings.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.poller.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		stored, err := f.store.Get(context.Background(), n.ID)
		return err == nil && stored.Status == model.StatusBroadcasted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the context was cancelled")
	}
}

// End to end: create, broadcast, count and acknowledge.
func TestInAppLifecycle(t *testing.T) {
	assert := assert.New(t)
	f := newPollerFixture()
	ctx := context.Background()
	owner := model.Identity{UserID: "U1"}

	before, _ := f.service.UnreadCount(ctx, "U1")
	n := f.create(t, &model.Notification{UserID: "U1"})
	assert.Equal(model.StatusSent, n.Status)

	f.poller.Tick(ctx)
	assert.Equal(model.StatusBroadcasted, f.status(t, n.ID))
	pushes := f.broadcaster.notifications()
	require.Len(t, pushes, 1)
	assert.Equal(hub.ScopeUser, pushes[0].scope)
	assert.Equal("U1", pushes[0].key)

	after, _ := f.service.UnreadCount(ctx, "U1")
	assert.Equal(before+1, after)

	_, err := f.service.AcknowledgeDelivery(ctx, owner, n.ID)
	require.NoError(t, err)
	assert.Equal(model.StatusDelivered, f.status(t, n.ID))
}
