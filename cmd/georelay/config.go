// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for georelay.
package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/girino/georelay/budget"
	"github.com/girino/georelay/crawler"
	"github.com/girino/georelay/orchestrator"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

// getEnvIntOr returns the environment variable as int or a default
func getEnvIntOr(env string, defaultValue int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDurationOr returns the environment variable as duration or a default
func getEnvDurationOr(env string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr       string
	RelaySeeds []string
	Verbose    string

	RelayName        string
	RelayDescription string

	PrimaryTopic    string
	SecondaryTopics []string

	LiveLookback time.Duration
	LiveLimit    int

	CrawlOnStart bool
	Crawl        crawler.Config
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	addr := flag.String("addr", getEnvOr("ADDR", ":3338"), "address to listen on (env: ADDR)")
	relaySeeds := flag.String("relay-seeds", os.Getenv("RELAY_SEEDS"), "comma-separated relay seeds in url@geohash form (env: RELAY_SEEDS)")
	verbose := flag.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'orchestrator' for a module, 'orchestrator.rebuild,crawler' for specific methods (env: VERBOSE)")

	relayName := flag.String("relay-name", getEnvOr("RELAY_NAME", "georelay"), "local relay name (env: RELAY_NAME)")
	relayDescription := flag.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "local relay description (env: RELAY_DESCRIPTION)")

	primaryTopic := flag.String("primary-topic", os.Getenv("PRIMARY_TOPIC"), "primary geohash topic to join on startup (env: PRIMARY_TOPIC)")
	secondaryTopics := flag.String("secondary-topics", os.Getenv("SECONDARY_TOPICS"), "comma-separated secondary geohash topics (env: SECONDARY_TOPICS)")

	liveLookback := flag.Duration("live-lookback", getEnvDurationOr("LIVE_LOOKBACK", time.Hour), "lookback window of live subscriptions (env: LIVE_LOOKBACK)")
	liveLimit := flag.Int("live-limit", getEnvIntOr("LIVE_LIMIT", 200), "stored-result limit per live subscription (env: LIVE_LIMIT)")

	crawlOnStart := flag.Bool("crawl", os.Getenv("CRAWL") == "1" || os.Getenv("CRAWL") == "true", "run the bulk namespace crawl on startup (env: CRAWL)")
	crawlMaxDepth := flag.Int("crawl-max-depth", getEnvIntOr("CRAWL_MAX_DEPTH", 2), "maximum topic depth to crawl, capped at 2 (env: CRAWL_MAX_DEPTH)")
	crawlRelaysPerTopic := flag.Int("crawl-relays-per-topic", getEnvIntOr("CRAWL_RELAYS_PER_TOPIC", 3), "closest relays queried per topic (env: CRAWL_RELAYS_PER_TOPIC)")
	crawlConcurrent := flag.Int("crawl-concurrent-queries", getEnvIntOr("CRAWL_CONCURRENT_QUERIES", 8), "per-batch query concurrency (env: CRAWL_CONCURRENT_QUERIES)")
	crawlDelay := flag.Duration("crawl-delay", getEnvDurationOr("CRAWL_DELAY", 250*time.Millisecond), "inter-batch delay (env: CRAWL_DELAY)")
	crawlTimeout := flag.Duration("crawl-timeout", getEnvDurationOr("CRAWL_TIMEOUT", 10*time.Second), "per-query timeout (env: CRAWL_TIMEOUT)")
	crawlSince := flag.Duration("crawl-since", getEnvDurationOr("CRAWL_SINCE", 24*time.Hour), "lookback window per crawl query (env: CRAWL_SINCE)")
	crawlLimit := flag.Int("crawl-limit", getEnvIntOr("CRAWL_LIMIT", 200), "result limit per crawl query (env: CRAWL_LIMIT)")

	flag.Parse()

	seeds := []string{}
	if *relaySeeds != "" {
		seeds = strings.Split(*relaySeeds, ",")
	}

	secondaries := []string{}
	if *secondaryTopics != "" {
		secondaries = strings.Split(*secondaryTopics, ",")
	}

	crawlCfg := crawler.DefaultConfig()
	crawlCfg.MaxDepth = *crawlMaxDepth
	crawlCfg.RelaysPerTopic = *crawlRelaysPerTopic
	crawlCfg.ConcurrentQueries = *crawlConcurrent
	crawlCfg.DelayBetweenQueries = *crawlDelay
	crawlCfg.TimeoutPerQuery = *crawlTimeout
	crawlCfg.SinceDuration = *crawlSince
	crawlCfg.LimitPerQuery = *crawlLimit

	return &Config{
		Addr:       *addr,
		RelaySeeds: seeds,
		Verbose:    *verbose,

		RelayName:        *relayName,
		RelayDescription: *relayDescription,

		PrimaryTopic:    *primaryTopic,
		SecondaryTopics: secondaries,

		LiveLookback: *liveLookback,
		LiveLimit:    *liveLimit,

		CrawlOnStart: *crawlOnStart,
		Crawl:        crawlCfg,
	}
}

// OrchestratorConfig maps the loaded config onto the orchestrator parameters.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Lookback = c.LiveLookback
	cfg.Limit = c.LiveLimit
	cfg.Budgets = budget.DefaultBudgets()
	return cfg
}
