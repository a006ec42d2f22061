// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Shared event store: idempotent-by-id sink for every ingress (live
// subscriptions, bulk crawl, local publishes), backed by an in-memory
// eventstore so a local relay can query it.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/georelay/logging"
)

// StoredEvent is one normalized event with its ingestion provenance.
type StoredEvent struct {
	Event       *nostr.Event `json:"event"`
	Topic       string       `json:"topic"`
	OriginRelay string       `json:"origin_relay"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// Stats holds runtime counters exported by the EventStore.
type Stats struct {
	StoredEvents      int64 `json:"stored_events"`
	DuplicatesSkipped int64 `json:"duplicates_skipped"`
}

// EventStore deduplicates appends by event id and fans newly stored events
// out to registered listeners. All methods are safe for concurrent use by
// any number of writers.
type EventStore struct {
	mu        sync.RWMutex
	byID      map[string]bool
	backing   *slicestore.SliceStore
	listeners []func(StoredEvent)

	stored     int64
	duplicates int64
}

// New creates an EventStore. Init must be called before use.
func New() *EventStore {
	return &EventStore{
		byID:    make(map[string]bool),
		backing: &slicestore.SliceStore{},
	}
}

// Init initializes the backing store.
func (s *EventStore) Init() error {
	return s.backing.Init()
}

// Close releases the backing store.
func (s *EventStore) Close() {
	s.backing.Close()
}

// OnStored registers a listener invoked for every newly stored event.
// Listeners must not block; they run on the writer's goroutine.
func (s *EventStore) OnStored(fn func(StoredEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// AddEvent appends one event if its id has not been stored yet. Returns true
// when the event was newly stored.
func (s *EventStore) AddEvent(se StoredEvent) bool {
	if se.Event == nil || se.Event.ID == "" {
		return false
	}

	s.mu.Lock()
	if s.byID[se.Event.ID] {
		s.mu.Unlock()
		atomic.AddInt64(&s.duplicates, 1)
		return false
	}
	s.byID[se.Event.ID] = true
	listeners := s.listeners
	s.mu.Unlock()

	if err := s.backing.SaveEvent(context.Background(), se.Event); err != nil {
		logging.DebugMethod("store", "AddEvent", "backing save for %s: %v", se.Event.ID, err)
	}
	atomic.AddInt64(&s.stored, 1)

	for _, fn := range listeners {
		fn(se)
	}
	return true
}

// AddEvents appends a batch, returning how many were newly stored.
func (s *EventStore) AddEvents(events []StoredEvent) int {
	added := 0
	for _, se := range events {
		if s.AddEvent(se) {
			added++
		}
	}
	return added
}

// Has reports whether an event id has already been stored.
func (s *EventStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// EventCount returns the number of stored events.
func (s *EventStore) EventCount() int64 {
	return atomic.LoadInt64(&s.stored)
}

// Stats returns a snapshot of the store counters.
func (s *EventStore) Stats() Stats {
	return Stats{
		StoredEvents:      atomic.LoadInt64(&s.stored),
		DuplicatesSkipped: atomic.LoadInt64(&s.duplicates),
	}
}

// QueryEvents answers a relay-style query from the backing store.
func (s *EventStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	return s.backing.QueryEvents(ctx, filter)
}

// CountEvents counts events matching a relay-style filter.
func (s *EventStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	return s.backing.CountEvents(ctx, filter)
}
