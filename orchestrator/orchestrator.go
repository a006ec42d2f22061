// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Orchestrator: geo-prioritized relay subscription management. Picks a
// budget-bounded, geographically optimal relay subset for the current topic
// set, multiplexes filtered subscriptions across it, deduplicates incoming
// events and forwards them to the shared store and observers.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/georelay/budget"
	"github.com/girino/georelay/directory"
	"github.com/girino/georelay/geotopic"
	"github.com/girino/georelay/logging"
	"github.com/girino/georelay/store"
	"github.com/girino/georelay/transport"
)

// maxSeenEvents bounds the dedup set; above it the set is trimmed to half.
const maxSeenEvents = 10000

// Config holds the orchestrator's subscription parameters.
type Config struct {
	// Kinds are the event kinds of interest on live subscriptions.
	Kinds []int
	// Lookback bounds how far back stored events are requested.
	Lookback time.Duration
	// Limit caps stored results per subscription.
	Limit int
	// Budgets are the per-tier relay connection budgets.
	Budgets budget.Budgets
}

// DefaultConfig returns the standard live-subscription parameters.
func DefaultConfig() Config {
	return Config{
		Kinds:    []int{20000},
		Lookback: time.Hour,
		Limit:    200,
		Budgets:  budget.DefaultBudgets(),
	}
}

// Stats holds runtime counters exported by the Orchestrator.
type Stats struct {
	Rebuilds          int64 `json:"rebuilds"`
	EventsIngested    int64 `json:"events_ingested"`
	DuplicatesDropped int64 `json:"duplicates_dropped"`
	RelayErrors       int64 `json:"relay_errors"`
}

// relayState is the mutable per-relay entry behind RelayConnection snapshots.
type relayState struct {
	url          string
	topics       map[string]bool
	status       RelayStatus
	lastActivity time.Time
}

// Orchestrator is the single connection/subscription manager. It exclusively
// owns the active-relay map, the subscription handles and the dedup set; the
// shared event store is externally owned and receives idempotent appends.
type Orchestrator struct {
	cfg   Config
	dir   directory.Directory
	tr    transport.Transport
	store *store.EventStore

	ctx    context.Context
	cancel context.CancelFunc

	// Observer callbacks, fire-and-forget. Set them before the first topic
	// change; they are invoked from transport goroutines.
	OnStateChange func(ConnectionState)
	OnEvent       func(store.StoredEvent)
	OnTopicLive   func(topic string)

	mu          sync.Mutex
	generation  uint64
	primary     string
	secondaries []string
	relays      map[string]*relayState
	subs        map[string]*transport.Subscription
	seen        *seenSet
	eventCount  int64

	rebuilds    int64
	ingested    int64
	duplicates  int64
	relayErrors int64
}

// New creates an Orchestrator with no active topics.
func New(cfg Config, dir directory.Directory, tr transport.Transport, st *store.EventStore) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		dir:    dir,
		tr:     tr,
		store:  st,
		ctx:    ctx,
		cancel: cancel,
		relays: make(map[string]*relayState),
		subs:   make(map[string]*transport.Subscription),
		seen:   newSeenSet(maxSeenEvents),
	}
}

// Close tears down every subscription and stops callback delivery.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.generation++
	for topic, sub := range o.subs {
		sub.Cancel()
		delete(o.subs, topic)
	}
	for _, rs := range o.relays {
		rs.status = StatusDisconnected
	}
	o.mu.Unlock()
	o.cancel()
}

// SetPrimaryTopic changes the primary topic of interest; the empty string
// clears it. Invalid input is rejected with no state mutation; an unchanged
// value is a no-op. Any accepted change triggers a full rebuild.
func (o *Orchestrator) SetPrimaryTopic(ctx context.Context, topic string) error {
	normalized := ""
	if topic != "" {
		var err error
		normalized, err = geotopic.Normalize(topic)
		if err != nil {
			logging.Warn("orchestrator: rejecting primary topic %q: %v", topic, err)
			return err
		}
	}

	o.mu.Lock()
	if o.primary == normalized {
		o.mu.Unlock()
		return nil
	}
	o.primary = normalized
	o.mu.Unlock()

	logging.Info("orchestrator: primary topic set to %q", normalized)
	return o.rebuild(ctx)
}

// SetSecondaryTopics replaces the secondary topic set. The whole input is
// rejected if any entry fails validation; an unchanged set is a no-op.
func (o *Orchestrator) SetSecondaryTopics(ctx context.Context, topics []string) error {
	normalized := make([]string, 0, len(topics))
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		n, err := geotopic.Normalize(t)
		if err != nil {
			logging.Warn("orchestrator: rejecting secondary topics, %q is invalid: %v", t, err)
			return err
		}
		if !seen[n] {
			seen[n] = true
			normalized = append(normalized, n)
		}
	}

	o.mu.Lock()
	if equalTopics(o.secondaries, normalized) {
		o.mu.Unlock()
		return nil
	}
	o.secondaries = normalized
	o.mu.Unlock()

	logging.Info("orchestrator: secondary topics set to %v", normalized)
	return o.rebuild(ctx)
}

// State returns the current connection snapshot.
func (o *Orchestrator) State() ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Stats returns a snapshot of the orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Rebuilds:          atomic.LoadInt64(&o.rebuilds),
		EventsIngested:    atomic.LoadInt64(&o.ingested),
		DuplicatesDropped: atomic.LoadInt64(&o.duplicates),
		RelayErrors:       atomic.LoadInt64(&o.relayErrors),
	}
}

// rebuild atomically recomputes and re-executes the whole connection plan:
// cancel everything, await directory readiness, allocate, resolve, subscribe.
// A directory readiness failure abandons the rebuild; the prior snapshot
// stays visible until the next trigger.
func (o *Orchestrator) rebuild(ctx context.Context) error {
	o.mu.Lock()
	o.generation++
	gen := o.generation
	for topic, sub := range o.subs {
		sub.Cancel()
		delete(o.subs, topic)
	}
	primary, secondaries := o.primary, append([]string(nil), o.secondaries...)
	o.mu.Unlock()

	if err := o.dir.WaitForReady(ctx); err != nil {
		logging.Warn("orchestrator: rebuild abandoned, directory not ready: %v", err)
		return err
	}

	plan := budget.Allocate(primary, secondaries, o.cfg.Budgets)
	atomic.AddInt64(&o.rebuilds, 1)
	logging.DebugMethod("orchestrator", "rebuild", "plan has %d entries for primary=%q secondaries=%v", len(plan), primary, secondaries)

	o.mu.Lock()
	if gen != o.generation {
		// a newer rebuild superseded this one while we awaited readiness
		o.mu.Unlock()
		return nil
	}
	o.relays = make(map[string]*relayState)

	for _, entry := range plan {
		urls := o.dir.ClosestRelays(entry.Topic, entry.RelayBudget)
		if len(urls) == 0 {
			logging.Warn("orchestrator: no relays resolved for topic %q, skipping entry", entry.Topic)
			continue
		}
		for _, url := range urls {
			rs, ok := o.relays[url]
			if !ok {
				rs = &relayState{
					url:          url,
					topics:       make(map[string]bool),
					status:       StatusConnecting,
					lastActivity: time.Now(),
				}
				o.relays[url] = rs
			}
			rs.topics[entry.Topic] = true
		}

		filter := transport.TopicFilter(o.cfg.Kinds, entry.Topic, o.cfg.Lookback, o.cfg.Limit)
		topic := entry.Topic
		sub := o.tr.Subscribe(o.ctx, urls, filter, transport.Callbacks{
			OnConnect: func(url string) { o.markRelay(gen, url, StatusConnected) },
			OnError:   func(url string, err error) { o.relayError(gen, url, err) },
			OnEvent:   func(url string, evt *nostr.Event) { o.ingest(gen, topic, url, evt) },
		})
		o.subs[topic] = sub
		logging.DebugMethod("orchestrator", "rebuild", "subscribed topic %q across %d relays", topic, len(urls))
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.notifyState(snap)
	return nil
}

// markRelay applies a relay state transition and broadcasts a snapshot.
// Transitions only move forward within a generation; a disconnected relay is
// not resurrected until the next rebuild.
func (o *Orchestrator) markRelay(gen uint64, url string, status RelayStatus) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	rs, ok := o.relays[url]
	if !ok || rs.status == StatusDisconnected {
		o.mu.Unlock()
		return
	}
	rs.status = status
	rs.lastActivity = time.Now()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.notifyState(snap)
}

// relayError marks only the failing relay disconnected; the topic's
// subscription against its other relays continues unaffected. No automatic
// reconnection happens here.
func (o *Orchestrator) relayError(gen uint64, url string, err error) {
	atomic.AddInt64(&o.relayErrors, 1)
	logging.DebugMethod("orchestrator", "relayError", "relay %s failed: %v", url, err)
	o.markRelay(gen, url, StatusDisconnected)
}

// ingest runs the event ingestion pipeline: dedup, topic extraction, store
// append, observer notification, snapshot broadcast.
func (o *Orchestrator) ingest(gen uint64, subTopic, relayURL string, evt *nostr.Event) {
	if evt == nil || evt.ID == "" {
		return
	}

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	if !o.seen.Add(evt.ID) {
		atomic.AddInt64(&o.duplicates, 1)
		o.mu.Unlock()
		return
	}

	topic := subTopic
	if tagged, ok := topicFromTags(evt.Tags); ok {
		topic = tagged
	}

	if rs, ok := o.relays[relayURL]; ok {
		rs.lastActivity = time.Now()
	}
	o.eventCount++
	atomic.AddInt64(&o.ingested, 1)

	live := geotopic.IsPrefixOf(topic, o.primary)
	if !live {
		for _, s := range o.secondaries {
			if geotopic.IsPrefixOf(topic, s) {
				live = true
				break
			}
		}
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	se := store.StoredEvent{
		Event:       evt,
		Topic:       topic,
		OriginRelay: relayURL,
		ReceivedAt:  time.Now(),
	}
	o.store.AddEvent(se)

	if live && o.OnTopicLive != nil {
		o.OnTopicLive(topic)
	}
	if o.OnEvent != nil {
		o.OnEvent(se)
	}
	o.notifyState(snap)
}

// topicFromTags extracts the event's topic tag. Malformed values are dropped
// rather than propagated; the caller falls back to the subscription topic.
func topicFromTags(tags nostr.Tags) (string, bool) {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "g" {
			if n, err := geotopic.Normalize(tag[1]); err == nil {
				return n, true
			}
			return "", false
		}
	}
	return "", false
}

func (o *Orchestrator) snapshotLocked() ConnectionState {
	relays := make([]RelayConnection, 0, len(o.relays))
	connected := false
	for _, rs := range o.relays {
		if rs.status == StatusConnected {
			connected = true
		}
		topics := make([]string, 0, len(rs.topics))
		for t := range rs.topics {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		relays = append(relays, RelayConnection{
			URL:          rs.url,
			ServedTopics: topics,
			Status:       rs.status,
			LastActivity: rs.lastActivity,
		})
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].URL < relays[j].URL })

	return ConnectionState{
		IsConnected:      connected,
		TotalConnections: len(relays),
		MaxConnections:   o.cfg.Budgets.TotalMax,
		PrimaryTopic:     o.primary,
		SecondaryTopics:  append([]string(nil), o.secondaries...),
		Relays:           relays,
		EventCount:       o.eventCount,
	}
}

func (o *Orchestrator) notifyState(snap ConnectionState) {
	if o.OnStateChange != nil {
		o.OnStateChange(snap)
	}
}

func equalTopics(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
