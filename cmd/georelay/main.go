// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// georelay - geo-prioritized relay subscription orchestrator with a local
// mirror relay built on khatru.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/georelay/crawler"
	"github.com/girino/georelay/directory"
	"github.com/girino/georelay/geotopic"
	"github.com/girino/georelay/logging"
	"github.com/girino/georelay/orchestrator"
	"github.com/girino/georelay/store"
	"github.com/girino/georelay/transport"
)

// appStats holds runtime stats reported on the stats endpoint
type appStats struct {
	Version    string  `json:"version"`
	Uptime     float64 `json:"uptime"`
	Goroutines int     `json:"goroutines"`
}

func main() {
	startTime := time.Now()

	cfg := LoadConfig()
	logging.SetVerbose(cfg.Verbose)

	if len(cfg.RelaySeeds) == 0 {
		logging.Fatal("no relay seeds provided - set RELAY_SEEDS to url@geohash entries")
	}
	seeds := make([]directory.Seed, 0, len(cfg.RelaySeeds))
	for _, s := range cfg.RelaySeeds {
		seed, err := directory.ParseSeed(s)
		if err != nil {
			logging.Fatal("parsing relay seeds: %v", err)
		}
		seeds = append(seeds, seed)
	}

	dir := directory.New()
	dir.Load(seeds)

	st := store.New()
	if err := st.Init(); err != nil {
		logging.Fatal("initializing event store: %v", err)
	}
	defer st.Close()

	pool := transport.NewPool(context.Background())

	orch := orchestrator.New(cfg.OrchestratorConfig(), dir, pool, st)
	defer orch.Close()

	// local mirror relay: serves the accumulated events back to local
	// clients and re-broadcasts everything the orchestrator ingests
	r := khatru.NewRelay()
	r.Info.Name = cfg.RelayName
	r.Info.Description = cfg.RelayDescription
	r.Info.Software = "https://github.com/girino/georelay"
	r.Info.Version = Version

	r.StoreEvent = append(r.StoreEvent, func(ctx context.Context, evt *nostr.Event) error {
		topic := ""
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] == "g" {
				if n, err := geotopic.Normalize(tag[1]); err == nil {
					topic = n
				}
				break
			}
		}
		st.AddEvent(store.StoredEvent{
			Event:       evt,
			Topic:       topic,
			OriginRelay: "local",
			ReceivedAt:  time.Now(),
		})
		return nil
	})
	r.QueryEvents = append(r.QueryEvents, st.QueryEvents)
	r.CountEvents = append(r.CountEvents, st.CountEvents)

	st.OnStored(func(se store.StoredEvent) {
		if se.OriginRelay == "local" {
			// khatru already forwards locally published events
			return
		}
		clientCount := r.BroadcastEvent(se.Event)
		logging.DebugMethod("main", "broadcast", "mirrored event %s from %s to %d clients", se.Event.ID, se.OriginRelay, clientCount)
	})

	orch.OnTopicLive = func(topic string) {
		logging.DebugMethod("main", "topicLive", "topic %s is live", topic)
	}

	// startup topic set
	ctx := context.Background()
	if cfg.PrimaryTopic != "" {
		if err := orch.SetPrimaryTopic(ctx, cfg.PrimaryTopic); err != nil {
			logging.Fatal("setting primary topic: %v", err)
		}
	}
	if len(cfg.SecondaryTopics) > 0 {
		if err := orch.SetSecondaryTopics(ctx, cfg.SecondaryTopics); err != nil {
			logging.Fatal("setting secondary topics: %v", err)
		}
	}

	// bulk crawl runs in the background; the local relay stays responsive
	cr := crawler.New(cfg.Crawl, dir, pool, st)
	cr.OnProgress = func(p crawler.Progress) {
		logging.DebugMethod("main", "crawl", "%s: %d/%d topics, %d events, %d relays", p.Phase, p.TopicsDone, p.TopicsTotal, p.TotalEvents, p.UniqueRelays)
	}
	if cfg.CrawlOnStart {
		go func() {
			if _, err := cr.Run(context.Background()); err != nil {
				logging.Warn("crawl failed: %v", err)
			}
		}()
	}

	mux := r.Router()
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		payload := map[string]any{
			"app": appStats{
				Version:    Version,
				Uptime:     time.Since(startTime).Seconds(),
				Goroutines: runtime.NumGoroutine(),
			},
			"orchestrator": orch.Stats(),
			"connection":   orch.State(),
			"store":        st.Stats(),
			"crawler":      cr.Stats(),
		}
		jsonData, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			http.Error(w, "failed to encode stats", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	})

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		snap := orch.State()
		healthState := snap.HealthState()

		var httpStatus int
		var status string
		switch healthState {
		case orchestrator.HealthGreen:
			httpStatus = http.StatusOK
			status = "healthy"
		case orchestrator.HealthYellow:
			httpStatus = http.StatusOK
			status = "degraded"
		default:
			httpStatus = http.StatusServiceUnavailable
			status = "unhealthy"
		}

		health := map[string]any{
			"status":            status,
			"service":           ProjectName,
			"version":           Version,
			"health_state":      healthState,
			"is_connected":      snap.IsConnected,
			"total_connections": snap.TotalConnections,
			"max_connections":   snap.MaxConnections,
		}
		jsonData, err := json.MarshalIndent(health, "", "  ")
		if err != nil {
			http.Error(w, "failed to encode health status", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		w.Write(jsonData)
	})

	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		if cfg.Addr != "" && cfg.Addr[0] == ':' {
			host = ""
			portStr = cfg.Addr[1:]
		} else {
			logging.Fatal("invalid addr: %v", err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logging.Fatal("invalid port: %v", err)
	}

	logging.Info("Starting %s on %s", ProjectName, cfg.Addr)
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}
