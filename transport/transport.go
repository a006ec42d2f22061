// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Pub/sub transport: filtered subscriptions spanning an explicit set of
// relay URLs, with per-relay event, EOSE, connect and error signals.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/georelay/logging"
)

// ErrSubscriptionClosed is reported through Callbacks.OnError when a relay
// drops an open subscription.
var ErrSubscriptionClosed = errors.New("subscription closed by relay")

// Callbacks carries the per-relay signals of one subscription. Any field may
// be nil. Delivery is fire-and-forget; callbacks must not block.
type Callbacks struct {
	OnEvent   func(relayURL string, evt *nostr.Event)
	OnEOSE    func(relayURL string)
	OnConnect func(relayURL string)
	OnError   func(relayURL string, err error)
}

// Subscription is the cancel capability of one open subscription. Cancel is
// best-effort: it suppresses future callback delivery but cannot retract
// frames already in flight.
type Subscription struct {
	cancel context.CancelFunc
}

// NewSubscription wraps a cancel function as a subscription handle. Exposed
// so alternative Transport implementations can build handles.
func NewSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel tears the subscription down across all of its relays.
func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// Transport opens filtered subscriptions against explicit relay URL sets.
type Transport interface {
	Subscribe(ctx context.Context, urls []string, filter nostr.Filter, cb Callbacks) *Subscription
}

// TopicFilter builds the standard subscription filter: event kinds of
// interest, topic tag match, bounded lookback window and result-count limit.
func TopicFilter(kinds []int, topic string, lookback time.Duration, limit int) nostr.Filter {
	since := nostr.Timestamp(time.Now().Add(-lookback).Unix())
	return nostr.Filter{
		Kinds: kinds,
		Tags:  nostr.TagMap{"g": []string{topic}},
		Since: &since,
		Limit: limit,
	}
}

// Pool is the production Transport backed by a shared go-nostr SimplePool.
// Relay connections are multiplexed: several subscriptions against the same
// URL share one websocket.
type Pool struct {
	pool *nostr.SimplePool
}

// NewPool creates the shared connection pool.
func NewPool(ctx context.Context) *Pool {
	return &Pool{pool: nostr.NewSimplePool(ctx, nostr.WithPenaltyBox())}
}

// Subscribe opens one filtered subscription spanning exactly the given relay
// URLs. Each relay runs independently; a failing relay reports through
// cb.OnError without affecting the others.
func (p *Pool) Subscribe(ctx context.Context, urls []string, filter nostr.Filter, cb Callbacks) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	for _, url := range urls {
		go p.run(subCtx, url, filter, cb)
	}
	return &Subscription{cancel: cancel}
}

// run drives one relay of a subscription until cancellation or failure.
func (p *Pool) run(ctx context.Context, url string, filter nostr.Filter, cb Callbacks) {
	relay, err := p.pool.EnsureRelay(url)
	if err != nil {
		logging.DebugMethod("transport", "run", "connect to %s failed: %v", url, err)
		if cb.OnError != nil {
			cb.OnError(url, err)
		}
		return
	}
	if cb.OnConnect != nil {
		cb.OnConnect(url)
	}

	sub, err := relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(url, err)
		}
		return
	}
	defer sub.Unsub()

	eose := sub.EndOfStoredEvents
	for {
		select {
		case <-ctx.Done():
			return
		case <-eose:
			// the channel is closed on EOSE; nil it so the select does not
			// keep firing
			eose = nil
			if cb.OnEOSE != nil {
				cb.OnEOSE(url)
			}
		case evt, ok := <-sub.Events:
			if !ok {
				if ctx.Err() == nil && cb.OnError != nil {
					cb.OnError(url, ErrSubscriptionClosed)
				}
				return
			}
			if evt != nil && cb.OnEvent != nil {
				cb.OnEvent(url, evt)
			}
		}
	}
}

var _ Transport = (*Pool)(nil)
