// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Geographic relay directory: indexes relay endpoints by coordinates and
// answers nearest-first lookups for geohash topic prefixes.
package directory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/girino/georelay/geotopic"
	"github.com/girino/georelay/logging"
)

// ErrNotReady is returned when a lookup or readiness wait fails because the
// directory has not finished loading its relay index.
var ErrNotReady = errors.New("relay directory not ready")

// Directory is the geographic relay index consumed by the orchestrator and
// the crawler.
type Directory interface {
	// WaitForReady blocks until the directory is ready or ctx is done.
	WaitForReady(ctx context.Context) error
	// IsReady reports whether the directory can answer lookups.
	IsReady() bool
	// ClosestRelays returns up to count relay URLs ordered nearest-first by
	// geographic distance to the center of the given topic cell.
	ClosestRelays(topicPrefix string, count int) []string
}

// Seed places one relay endpoint in a geographic cell.
type Seed struct {
	URL     string
	Geohash string
}

// ParseSeed parses the "wss://host@geohash" config form.
func ParseSeed(s string) (Seed, error) {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return Seed{}, fmt.Errorf("malformed relay seed %q (want url@geohash)", s)
	}
	url := strings.TrimSpace(s[:at])
	gh, err := geotopic.Normalize(s[at+1:])
	if err != nil {
		return Seed{}, fmt.Errorf("relay seed %q: %w", s, err)
	}
	return Seed{URL: url, Geohash: gh}, nil
}

type indexedRelay struct {
	url string
	lat float64
	lng float64
}

// GeoDirectory is the standard Directory implementation, seeded from a static
// relay list at startup.
type GeoDirectory struct {
	mu     sync.RWMutex
	relays []indexedRelay
	ready  chan struct{}
	once   sync.Once
}

// New creates an empty, not-yet-ready GeoDirectory.
func New() *GeoDirectory {
	return &GeoDirectory{ready: make(chan struct{})}
}

// Load indexes the given seeds and marks the directory ready. Seeds with
// duplicate URLs keep the first occurrence.
func (d *GeoDirectory) Load(seeds []Seed) {
	d.mu.Lock()
	seen := make(map[string]bool, len(seeds))
	d.relays = d.relays[:0]
	for _, s := range seeds {
		if s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		lat, lng := geohash.DecodeCenter(s.Geohash)
		d.relays = append(d.relays, indexedRelay{url: s.URL, lat: lat, lng: lng})
	}
	count := len(d.relays)
	d.mu.Unlock()

	d.once.Do(func() { close(d.ready) })
	logging.DebugMethod("directory", "Load", "indexed %d relays", count)
}

// WaitForReady blocks until Load has run or ctx is done.
func (d *GeoDirectory) WaitForReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

// IsReady reports whether Load has run.
func (d *GeoDirectory) IsReady() bool {
	select {
	case <-d.ready:
		return true
	default:
		return false
	}
}

// ClosestRelays returns up to count relay URLs nearest to the center of the
// topic cell. An invalid prefix or a not-ready directory yields nil.
func (d *GeoDirectory) ClosestRelays(topicPrefix string, count int) []string {
	if count <= 0 || !d.IsReady() || !geotopic.Valid(topicPrefix) {
		return nil
	}

	lat, lng := geohash.DecodeCenter(topicPrefix)

	d.mu.RLock()
	candidates := make([]indexedRelay, len(d.relays))
	copy(candidates, d.relays)
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := haversineKm(lat, lng, candidates[i].lat, candidates[i].lng)
		dj := haversineKm(lat, lng, candidates[j].lat, candidates[j].lng)
		if di != dj {
			return di < dj
		}
		return candidates[i].url < candidates[j].url
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	urls := make([]string, count)
	for i := 0; i < count; i++ {
		urls[i] = candidates[i].url
	}
	return urls
}

const earthRadiusKm = 6371.0

// haversineKm computes the great-circle distance between two points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
