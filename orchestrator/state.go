// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Connection state types shared with external observers.
package orchestrator

import "time"

// RelayStatus is the per-relay connection state. Within one rebuild cycle a
// relay only moves forward: connecting -> connected -> disconnected. Only a
// fresh rebuild recreates entries.
type RelayStatus string

const (
	StatusConnecting   RelayStatus = "connecting"
	StatusConnected    RelayStatus = "connected"
	StatusDisconnected RelayStatus = "disconnected"
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// RelayConnection describes one active relay in a state snapshot. A relay URL
// may serve multiple topics (many-to-one multiplexing).
type RelayConnection struct {
	URL          string      `json:"url"`
	ServedTopics []string    `json:"served_topics"`
	Status       RelayStatus `json:"status"`
	LastActivity time.Time   `json:"last_activity"`
}

// ConnectionState is an immutable snapshot broadcast to observers on every
// relay-state transition and every ingested event.
type ConnectionState struct {
	IsConnected      bool              `json:"is_connected"`
	TotalConnections int               `json:"total_connections"`
	MaxConnections   int               `json:"max_connections"`
	PrimaryTopic     string            `json:"primary_topic"`
	SecondaryTopics  []string          `json:"secondary_topics"`
	Relays           []RelayConnection `json:"relays"`
	EventCount       int64             `json:"event_count"`
}

// HealthState maps a snapshot onto the standard GREEN/YELLOW/RED scale:
// GREEN when every tracked relay is reachable (or nothing is tracked), YELLOW
// when some are down, RED when all of them are.
func (s ConnectionState) HealthState() string {
	if len(s.Relays) == 0 {
		return HealthGreen
	}
	disconnected := 0
	for _, r := range s.Relays {
		if r.Status == StatusDisconnected {
			disconnected++
		}
	}
	switch {
	case disconnected == len(s.Relays):
		return HealthRed
	case disconnected > 0:
		return HealthYellow
	}
	return HealthGreen
}
