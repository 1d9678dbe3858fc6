// Package bus provides the event distribution layer. Orchestrator and
// health-checker lifecycle events are published here and fanned out to any
// number of independent subscribers (websocket clients, log sinks) without
// ever blocking the publisher.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType discriminates the event union.
type EventType string

const (
	// EventConnected greets a subscriber when its stream opens.
	EventConnected EventType = "connected"
	// EventTaskStart marks a task entering execution.
	EventTaskStart EventType = "task_start"
	// EventTaskProgress carries one streamed fragment (single/fallback mode).
	EventTaskProgress EventType = "task_progress"
	// EventTaskBroadcastChunk carries one tagged fragment from a broadcast
	// participant. Done=true is the only way to learn that the named
	// service's contribution has ended.
	EventTaskBroadcastChunk EventType = "task_broadcast_chunk"
	// EventTaskComplete marks a task reaching a terminal state.
	EventTaskComplete EventType = "task_complete"
	// EventServiceStatus reports a health transition of one service.
	EventServiceStatus EventType = "service_status"
	// EventMetricsSnapshot carries periodic task store statistics.
	EventMetricsSnapshot EventType = "metrics_snapshot"
)

// Event is a single message on the bus. Events are ephemeral: they are
// never persisted, and reconnecting subscribers re-fetch current state via
// the HTTP API instead of replaying.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Task context
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty"`
	Mode   string `json:"mode,omitempty"`

	// Streamed content
	Fragment string `json:"fragment,omitempty"`
	Result   string `json:"result,omitempty"`

	// Broadcast chunk fields
	Service       string `json:"service,omitempty"`
	Done          bool   `json:"done,omitempty"`
	FragmentCount int    `json:"fragment_count,omitempty"`

	// Service status fields
	Healthy bool `json:"healthy,omitempty"`

	// Error information
	Error string `json:"error,omitempty"`

	// Timing
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Metrics snapshot payload
	Metrics map[string]any `json:"metrics,omitempty"`
}

// eventIDCounter for generating unique event IDs.
var eventIDCounter uint64

// NewEvent creates an event with the current timestamp and a generated id.
func NewEvent(eventType EventType) Event {
	n := atomic.AddUint64(&eventIDCounter, 1)
	return Event{
		ID:        fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), n),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}
