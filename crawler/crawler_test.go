package crawler

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

// fakeDirectory serves every topic from the same small relay set.
type fakeDirectory struct {
	urls []string
}

func (d *fakeDirectory) WaitForReady(ctx context.Context) error {
	if d.urls == nil {
		return errors.New("directory not ready")
	}
	return nil
}

func (d *fakeDirectory) IsReady() bool { return d.urls != nil }

func (d *fakeDirectory) ClosestRelays(topicPrefix string, count int) []string {
	if count > len(d.urls) {
		count = len(d.urls)
	}
	return append([]string(nil), d.urls[:count]...)
}

// fakeTransport answers every subscription synchronously via the respond
// hook, then (optionally) signals EOSE for every relay.
type fakeTransport struct {
	mu       sync.Mutex
	subCount int
	respond  func(topic string, urls []string, cb transport.Callbacks)
	sendEOSE bool
}

func (f *fakeTransport) Subscribe(ctx context.Context, urls []string, filter nostr.Filter, cb transport.Callbacks) *transport.Subscription {
	f.mu.Lock()
	f.subCount++
	f.mu.Unlock()

	topic := ""
	if g := filter.Tags["g"]; len(g) > 0 {
		topic = g[0]
	}
	if f.respond != nil {
		f.respond(topic, urls, cb)
	}
	if f.sendEOSE {
		for _, url := range urls {
			cb.OnEOSE(url)
		}
	}
	return transport.NewSubscription(nil)
}

func (f *fakeTransport) subs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCount
}

func newTestStore(t *testing.T) *store.EventStore {
	t.Helper()
	st := store.New()
	require.NoError(t, st.Init())
	t.Cleanup(st.Close)
	return st
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxDepth = 1
	cfg.RelaysPerTopic = 2
	cfg.ConcurrentQueries = 8
	cfg.DelayBetweenQueries = 0
	cfg.TimeoutPerQuery = 100 * time.Millisecond
	return cfg
}

func TestDepth1IssuesExactly32Queries(t *testing.T) {
	dir := &fakeDirectory{urls: []string{"wss://a", "wss://b"}}
	tr := &fakeTransport{sendEOSE: true}
	c := New(quickConfig(), dir, tr, newTestStore(t))

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 32, tr.subs())
	stats := c.Stats()
	assert.Equal(t, int64(32), stats.QueriesIssued)
	assert.True(t, stats.Completed)
}

func TestSecondRunReturnsCachedResult(t *testing.T) {
	dir := &fakeDirectory{urls: []string{"wss://a"}}
	tr := &fakeTransport{
		sendEOSE: true,
		respond: func(topic string, urls []string, cb transport.Callbacks) {
			if topic == "u" {
				cb.OnEvent(urls[0], &nostr.Event{ID: "ev-u", Kind: 20000, CreatedAt: 10, Tags: nostr.Tags{{"g", "u"}}})
			}
		},
	}
	cfg := quickConfig()
	cfg.RelaysPerTopic = 1
	c := New(cfg, dir, tr, newTestStore(t))

	first, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	queriesAfterFirst := tr.subs()

	second, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, queriesAfterFirst, tr.subs(), "zero additional network queries")
}

func TestTimeoutIsNormalCompletion(t *testing.T) {
	dir := &fakeDirectory{urls: []string{"wss://a"}}
	// no EOSE ever: every query resolves by timeout, partial results kept
	tr := &fakeTransport{
		respond: func(topic string, urls []string, cb transport.Callbacks) {
			if topic == "9" {
				cb.OnEvent(urls[0], &nostr.Event{ID: "ev-9", Kind: 20000, CreatedAt: 5, Tags: nostr.Tags{{"g", "9"}}})
			}
		},
	}
	cfg := quickConfig()
	cfg.RelaysPerTopic = 1
	cfg.TimeoutPerQuery = 10 * time.Millisecond
	c := New(cfg, dir, tr, newTestStore(t))

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "ev-9", result[0].Event.ID)
}

func TestResultDedupedAndNewestFirst(t *testing.T) {
	dir := &fakeDirectory{urls: []string{"wss://a", "wss://b"}}
	tr := &fakeTransport{
		sendEOSE: true,
		respond: func(topic string, urls []string, cb transport.Callbacks) {
			if topic != "u" {
				return
			}
			// the same event arrives from both relays; a second distinct
			// event is newer
			cb.OnEvent(urls[0], &nostr.Event{ID: "old", Kind: 20000, CreatedAt: 10, Tags: nostr.Tags{{"g", "u"}}})
			cb.OnEvent(urls[1], &nostr.Event{ID: "old", Kind: 20000, CreatedAt: 10, Tags: nostr.Tags{{"g", "u"}}})
			cb.OnEvent(urls[1], &nostr.Event{ID: "new", Kind: 20000, CreatedAt: 20, Tags: nostr.Tags{{"g", "u"}}})
		},
	}
	st := newTestStore(t)
	c := New(quickConfig(), dir, tr, st)

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "new", result[0].Event.ID)
	assert.Equal(t, "old", result[1].Event.ID)

	// accumulated result lands in the shared store, idempotently
	assert.Equal(t, int64(2), st.EventCount())
}

func TestProgressReported(t *testing.T) {
	dir := &fakeDirectory{urls: []string{"wss://a"}}
	tr := &fakeTransport{sendEOSE: true}
	cfg := quickConfig()
	cfg.RelaysPerTopic = 1
	c := New(cfg, dir, tr, newTestStore(t))

	var mu sync.Mutex
	var phases []string
	c.OnProgress = func(p Progress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	}

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, phases)
	assert.Equal(t, "starting", phases[0])
	assert.Equal(t, "complete", phases[len(phases)-1])
	assert.Len(t, phases, 34) // starting + 32 topics + complete
}

func TestRunFailsWhenDirectoryNotReady(t *testing.T) {
	dir := &fakeDirectory{}
	tr := &fakeTransport{sendEOSE: true}
	c := New(quickConfig(), dir, tr, newTestStore(t))

	_, err := c.Run(context.Background())
	assert.Error(t, err)
	assert.False(t, c.Stats().Completed)

	// a failed run does not poison the crawler
	dir.urls = []string{"wss://a"}
	_, err = c.Run(context.Background())
	require.NoError(t, err)
}
