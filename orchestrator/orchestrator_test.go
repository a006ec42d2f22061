package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/georelay/store"
	"github.com/girino/georelay/transport"
)

// fakeDirectory answers lookups from a fixed prefix -> URLs table.
type fakeDirectory struct {
	mu      sync.Mutex
	ready   bool
	byTopic map[string][]string
	lookups int
}

func newFakeDirectory(byTopic map[string][]string) *fakeDirectory {
	return &fakeDirectory{ready: true, byTopic: byTopic}
}

func (d *fakeDirectory) WaitForReady(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return errors.New("directory not ready")
	}
	return nil
}

func (d *fakeDirectory) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *fakeDirectory) ClosestRelays(topicPrefix string, count int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	urls := d.byTopic[topicPrefix]
	if count > len(urls) {
		count = len(urls)
	}
	return append([]string(nil), urls[:count]...)
}

func (d *fakeDirectory) lookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

// fakeTransport records subscriptions and lets tests drive their callbacks.
type fakeTransport struct {
	mu   sync.Mutex
	subs []*fakeSub
}

type fakeSub struct {
	urls     []string
	filter   nostr.Filter
	cb       transport.Callbacks
	canceled bool
}

func (f *fakeTransport) Subscribe(ctx context.Context, urls []string, filter nostr.Filter, cb transport.Callbacks) *transport.Subscription {
	f.mu.Lock()
	sub := &fakeSub{urls: append([]string(nil), urls...), filter: filter, cb: cb}
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return transport.NewSubscription(func() {
		f.mu.Lock()
		sub.canceled = true
		f.mu.Unlock()
	})
}

func (f *fakeTransport) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeTransport) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func newTestStore(t *testing.T) *store.EventStore {
	t.Helper()
	st := store.New()
	require.NoError(t, st.Init())
	t.Cleanup(st.Close)
	return st
}

func event(id, topic string, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		Kind:      20000,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags{{"g", topic}},
		Content:   "hi",
	}
}

func TestPrimaryRebuildOpensSubscription(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u4p": {"wss://a", "wss://b", "wss://c"},
	})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))

	require.Equal(t, 1, tr.subCount())
	sub := tr.sub(0)
	assert.Equal(t, []string{"wss://a", "wss://b", "wss://c"}, sub.urls)
	assert.Equal(t, []string{"u4p"}, sub.filter.Tags["g"])

	snap := o.State()
	assert.Equal(t, "u4p", snap.PrimaryTopic)
	assert.Equal(t, 3, snap.TotalConnections)
	assert.False(t, snap.IsConnected)
	for _, r := range snap.Relays {
		assert.Equal(t, StatusConnecting, r.Status)
	}

	sub.cb.OnConnect("wss://a")
	snap = o.State()
	assert.True(t, snap.IsConnected)
}

func TestUnchangedPrimaryIsNoOp(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u4p": {"wss://a"}})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	lookups := dir.lookupCount()
	subs := tr.subCount()

	// same value, different case: normalized and recognized as unchanged
	require.NoError(t, o.SetPrimaryTopic(context.Background(), "U4P"))
	assert.Equal(t, lookups, dir.lookupCount(), "no new directory lookups")
	assert.Equal(t, subs, tr.subCount(), "no subscription churn")
}

func TestInvalidTopicRejectedWithoutMutation(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u4p": {"wss://a"}})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))

	err := o.SetPrimaryTopic(context.Background(), "u4pi")
	assert.Error(t, err)
	assert.Equal(t, "u4p", o.State().PrimaryTopic)
	assert.Equal(t, 1, tr.subCount())

	err = o.SetSecondaryTopics(context.Background(), []string{"dr", "u4pi"})
	assert.Error(t, err)
	assert.Empty(t, o.State().SecondaryTopics)
}

func TestIngestDeduplicates(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u4p": {"wss://a", "wss://b"}})
	tr := &fakeTransport{}
	st := newTestStore(t)
	o := New(DefaultConfig(), dir, tr, st)
	defer o.Close()

	var events []store.StoredEvent
	o.OnEvent = func(se store.StoredEvent) { events = append(events, se) }

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	sub := tr.sub(0)

	// the same event arrives redundantly from both relays
	sub.cb.OnEvent("wss://a", event("ev1", "u4pruy", 100))
	sub.cb.OnEvent("wss://b", event("ev1", "u4pruy", 100))

	require.Len(t, events, 1)
	assert.Equal(t, "u4pruy", events[0].Topic)
	assert.Equal(t, "wss://a", events[0].OriginRelay)
	assert.Equal(t, int64(1), st.EventCount())
	assert.Equal(t, int64(1), o.State().EventCount)
	assert.Equal(t, int64(1), o.Stats().DuplicatesDropped)
}

func TestTopicFallbackAndLiveNotification(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u4p": {"wss://a"}})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	var live []string
	var events []store.StoredEvent
	o.OnTopicLive = func(topic string) { live = append(live, topic) }
	o.OnEvent = func(se store.StoredEvent) { events = append(events, se) }

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	sub := tr.sub(0)

	// no topic tag: falls back to the subscription's topic
	sub.cb.OnEvent("wss://a", &nostr.Event{ID: "ev1", Kind: 20000, CreatedAt: 1})
	// malformed tag value: dropped, falls back too
	sub.cb.OnEvent("wss://a", &nostr.Event{ID: "ev2", Kind: 20000, CreatedAt: 2, Tags: nostr.Tags{{"g", "bad!topic"}}})
	// tagged with a non-matching topic: stored but not live
	sub.cb.OnEvent("wss://a", event("ev3", "dr5", 3))

	require.Len(t, events, 3)
	assert.Equal(t, "u4p", events[0].Topic)
	assert.Equal(t, "u4p", events[1].Topic)
	assert.Equal(t, "dr5", events[2].Topic)
	assert.Equal(t, []string{"u4p", "u4p"}, live)
}

func TestRebuildReplacesActiveRelays(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u4p": {"wss://a", "wss://b"},
		"dr":  {"wss://c"},
	})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	require.NoError(t, o.SetPrimaryTopic(context.Background(), "dr"))

	assert.True(t, tr.sub(0).canceled, "prior subscription must be canceled")

	snap := o.State()
	require.Len(t, snap.Relays, 1)
	assert.Equal(t, "wss://c", snap.Relays[0].URL)

	// stale events from the torn-down subscription are dropped
	tr.sub(0).cb.OnEvent("wss://a", event("stale", "u4p", 1))
	assert.Equal(t, int64(0), o.State().EventCount)
}

func TestRelayErrorIsolated(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u4p": {"wss://a", "wss://b"}})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	sub := tr.sub(0)
	sub.cb.OnConnect("wss://a")
	sub.cb.OnConnect("wss://b")
	sub.cb.OnError("wss://a", errors.New("transport error"))

	snap := o.State()
	byURL := map[string]RelayStatus{}
	for _, r := range snap.Relays {
		byURL[r.URL] = r.Status
	}
	assert.Equal(t, StatusDisconnected, byURL["wss://a"])
	assert.Equal(t, StatusConnected, byURL["wss://b"])
	assert.True(t, snap.IsConnected)
	assert.Equal(t, HealthYellow, snap.HealthState())

	// no resurrection within a rebuild cycle
	sub.cb.OnConnect("wss://a")
	snap = o.State()
	for _, r := range snap.Relays {
		if r.URL == "wss://a" {
			assert.Equal(t, StatusDisconnected, r.Status)
		}
	}
}

func TestMultiplexingSharedRelay(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u4p": {"wss://shared", "wss://a"},
		"u4":  {"wss://shared"},
	})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	require.NoError(t, o.SetSecondaryTopics(context.Background(), []string{"u4"}))

	snap := o.State()
	var shared *RelayConnection
	for i := range snap.Relays {
		if snap.Relays[i].URL == "wss://shared" {
			shared = &snap.Relays[i]
		}
	}
	require.NotNil(t, shared)
	assert.Equal(t, []string{"u4", "u4p"}, shared.ServedTopics)
}

func TestZeroRelaysSkipsEntry(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{
		"u4p": {"wss://a"},
		// "dr" resolves nothing
	})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	require.NoError(t, o.SetSecondaryTopics(context.Background(), []string{"dr"}))

	// only the primary entry got a subscription in the second rebuild
	snap := o.State()
	require.Len(t, snap.Relays, 1)
	assert.Equal(t, "wss://a", snap.Relays[0].URL)
}

func TestDirectoryNotReadyAbandonsRebuild(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u4p": {"wss://a"}})
	dir.ready = false
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	err := o.SetPrimaryTopic(context.Background(), "u4p")
	assert.Error(t, err)
	assert.Equal(t, 0, tr.subCount())

	// next trigger succeeds once the directory is up
	dir.mu.Lock()
	dir.ready = true
	dir.mu.Unlock()
	require.NoError(t, o.SetSecondaryTopics(context.Background(), []string{"dr"}))
}

func TestStateChangeBroadcasts(t *testing.T) {
	dir := newFakeDirectory(map[string][]string{"u4p": {"wss://a"}})
	tr := &fakeTransport{}
	o := New(DefaultConfig(), dir, tr, newTestStore(t))
	defer o.Close()

	var mu sync.Mutex
	var snaps []ConnectionState
	o.OnStateChange = func(s ConnectionState) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}

	require.NoError(t, o.SetPrimaryTopic(context.Background(), "u4p"))
	sub := tr.sub(0)
	sub.cb.OnConnect("wss://a")
	sub.cb.OnEvent("wss://a", event("ev1", "u4p", time.Now().Unix()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 3) // rebuild, connect, ingest
	assert.False(t, snaps[0].IsConnected)
	assert.True(t, snaps[1].IsConnected)
	assert.Equal(t, int64(1), snaps[2].EventCount)
}
