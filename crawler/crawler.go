// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Bulk crawl mode: walks the exhaustive topic namespace with short-lived,
// budget-bounded queries to backfill history into the shared store.
package crawler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/georelay/directory"
	"github.com/girino/georelay/geotopic"
	"github.com/girino/georelay/logging"
	"github.com/girino/georelay/store"
	"github.com/girino/georelay/transport"
)

// Config holds the crawl parameters.
type Config struct {
	// MaxDepth bounds namespace generation; depths beyond 2 are never
	// generated.
	MaxDepth int
	// RelaysPerTopic is how many closest relays each topic queries.
	RelaysPerTopic int
	// ConcurrentQueries is the per-batch concurrency.
	ConcurrentQueries int
	// DelayBetweenQueries is the inter-batch rate-limiting pause.
	DelayBetweenQueries time.Duration
	// TimeoutPerQuery caps one per-topic query; hitting it is a normal
	// completion path, not an error.
	TimeoutPerQuery time.Duration
	// SinceDuration is the lookback window of each query.
	SinceDuration time.Duration
	// LimitPerQuery caps results per relay query.
	LimitPerQuery int
	// Kinds are the event kinds of interest.
	Kinds []int
}

// DefaultConfig returns the standard crawl parameters.
func DefaultConfig() Config {
	return Config{
		MaxDepth:            2,
		RelaysPerTopic:      3,
		ConcurrentQueries:   8,
		DelayBetweenQueries: 250 * time.Millisecond,
		TimeoutPerQuery:     10 * time.Second,
		SinceDuration:       24 * time.Hour,
		LimitPerQuery:       200,
		Kinds:               []int{20000},
	}
}

// Progress is one incremental crawl progress report.
type Progress struct {
	Phase        string `json:"phase"`
	TopicsTotal  int    `json:"topics_total"`
	TopicsDone   int    `json:"topics_done"`
	Topic        string `json:"topic"`
	TopicEvents  int    `json:"topic_events"`
	TotalEvents  int    `json:"total_events"`
	UniqueRelays int    `json:"unique_relays"`
}

// Stats holds crawl counters for the stats endpoint.
type Stats struct {
	QueriesIssued   int64 `json:"queries_issued"`
	EventsCollected int64 `json:"events_collected"`
	UniqueRelays    int64 `json:"unique_relays"`
	Completed       bool  `json:"completed"`
}

// Crawler performs the run-once exhaustive backfill. A second Run while
// running, or after completion, returns the already-accumulated result
// without issuing further queries.
type Crawler struct {
	cfg Config
	dir directory.Directory
	tr  transport.Transport
	st  *store.EventStore

	// OnProgress, when set, receives incremental progress reports. It runs
	// on the crawl goroutine and must not block.
	OnProgress func(Progress)

	mu         sync.Mutex
	running    bool
	done       bool
	seen       map[string]bool
	events     []store.StoredEvent
	relaysSeen map[string]bool
	topicsDone int
	queries    int64
}

// New creates a Crawler writing into the given shared store.
func New(cfg Config, dir directory.Directory, tr transport.Transport, st *store.EventStore) *Crawler {
	return &Crawler{
		cfg:        cfg,
		dir:        dir,
		tr:         tr,
		st:         st,
		seen:       make(map[string]bool),
		relaysSeen: make(map[string]bool),
	}
}

// Run crawls the namespace and returns the accumulated, globally
// deduplicated event set sorted newest-first. Idempotent: repeated calls
// return the cached accumulation with zero additional network queries.
func (c *Crawler) Run(ctx context.Context) ([]store.StoredEvent, error) {
	c.mu.Lock()
	if c.done || c.running {
		result := c.sortedResultLocked()
		c.mu.Unlock()
		return result, nil
	}
	c.running = true
	c.mu.Unlock()

	if err := c.dir.WaitForReady(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return nil, err
	}

	topics := geotopic.Namespace(c.cfg.MaxDepth)
	logging.Info("crawler: crawling %d topics (depth <= %d)", len(topics), c.cfg.MaxDepth)
	c.report(Progress{Phase: "starting", TopicsTotal: len(topics)})

	batchSize := c.cfg.ConcurrentQueries
	if batchSize < 1 {
		batchSize = 1
	}
	for start := 0; start < len(topics); start += batchSize {
		end := start + batchSize
		if end > len(topics) {
			end = len(topics)
		}

		var wg sync.WaitGroup
		for _, topic := range topics[start:end] {
			wg.Add(1)
			go func(topic string) {
				defer wg.Done()
				c.crawlTopic(ctx, topic, len(topics))
			}(topic)
		}
		wg.Wait()

		if end < len(topics) && c.cfg.DelayBetweenQueries > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.DelayBetweenQueries):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.mu.Lock()
	c.running = false
	c.done = true
	result := c.sortedResultLocked()
	total := len(result)
	relays := len(c.relaysSeen)
	c.mu.Unlock()

	c.st.AddEvents(result)
	c.report(Progress{Phase: "complete", TopicsTotal: len(topics), TopicsDone: len(topics), TotalEvents: total, UniqueRelays: relays})
	logging.Info("crawler: done, %d unique events from %d relays", total, relays)
	return result, nil
}

// Stats returns a snapshot of the crawl counters.
func (c *Crawler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		QueriesIssued:   c.queries,
		EventsCollected: int64(len(c.events)),
		UniqueRelays:    int64(len(c.relaysSeen)),
		Completed:       c.done,
	}
}

// crawlTopic issues one short-lived query for a topic and blocks until every
// relay in the subset has signaled end-of-stored-events or the per-query
// timeout elapses, whichever comes first.
func (c *Crawler) crawlTopic(ctx context.Context, topic string, topicsTotal int) {
	c.mu.Lock()
	c.queries++
	c.mu.Unlock()

	urls := c.dir.ClosestRelays(topic, c.cfg.RelaysPerTopic)
	if len(urls) == 0 {
		logging.DebugMethod("crawler", "crawlTopic", "no relays for topic %q", topic)
		c.finishTopic(topic, 0, topicsTotal)
		return
	}

	var (
		topicMu   sync.Mutex
		eoseCount int
		collected int
		done      = make(chan struct{})
		closeOnce sync.Once
	)

	filter := transport.TopicFilter(c.cfg.Kinds, topic, c.cfg.SinceDuration, c.cfg.LimitPerQuery)
	sub := c.tr.Subscribe(ctx, urls, filter, transport.Callbacks{
		OnEvent: func(relayURL string, evt *nostr.Event) {
			if c.collect(topic, relayURL, evt) {
				topicMu.Lock()
				collected++
				topicMu.Unlock()
			}
		},
		OnEOSE: func(relayURL string) {
			topicMu.Lock()
			eoseCount++
			finished := eoseCount >= len(urls)
			topicMu.Unlock()
			if finished {
				closeOnce.Do(func() { close(done) })
			}
		},
		OnError: func(relayURL string, err error) {
			// a dead relay will never send EOSE; count it as completed so
			// the query can resolve before the timeout
			topicMu.Lock()
			eoseCount++
			finished := eoseCount >= len(urls)
			topicMu.Unlock()
			if finished {
				closeOnce.Do(func() { close(done) })
			}
		},
	})
	defer sub.Cancel()

	select {
	case <-done:
	case <-time.After(c.cfg.TimeoutPerQuery):
		// normal completion path; partial results are retained
	case <-ctx.Done():
	}

	topicMu.Lock()
	count := collected
	topicMu.Unlock()
	c.finishTopic(topic, count, topicsTotal)
}

// collect records one event, deduplicating globally across topics and
// relays. Returns true when the event was new.
func (c *Crawler) collect(topic, relayURL string, evt *nostr.Event) bool {
	if evt == nil || evt.ID == "" {
		return false
	}

	eventTopic := topic
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "g" {
			if n, err := geotopic.Normalize(tag[1]); err == nil {
				eventTopic = n
			}
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.relaysSeen[relayURL] = true
	if c.seen[evt.ID] {
		return false
	}
	c.seen[evt.ID] = true
	c.events = append(c.events, store.StoredEvent{
		Event:       evt,
		Topic:       eventTopic,
		OriginRelay: relayURL,
		ReceivedAt:  time.Now(),
	})
	return true
}

func (c *Crawler) finishTopic(topic string, count, topicsTotal int) {
	c.mu.Lock()
	c.topicsDone++
	p := Progress{
		Phase:        "querying",
		TopicsTotal:  topicsTotal,
		TopicsDone:   c.topicsDone,
		Topic:        topic,
		TopicEvents:  count,
		TotalEvents:  len(c.events),
		UniqueRelays: len(c.relaysSeen),
	}
	c.mu.Unlock()
	c.report(p)
}

// sortedResultLocked returns a newest-first copy of the accumulation.
func (c *Crawler) sortedResultLocked() []store.StoredEvent {
	result := make([]store.StoredEvent, len(c.events))
	copy(result, c.events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Event.CreatedAt > result[j].Event.CreatedAt
	})
	return result
}

func (c *Crawler) report(p Progress) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}
