package types

import (
	"time"
)

// EventType classifies what kind of change a connector observed.
type EventType string

const (
	EventClipboardChange EventType = "clipboard.change"
	EventFileCreated     EventType = "fs.created"
	EventFileModified    EventType = "fs.modified"
	EventFileRemoved     EventType = "fs.removed"
	EventFileRenamed     EventType = "fs.renamed"
)

// ConnectorEvent is a single detected change. It is immutable once
// constructed; the payload map must not be mutated after creation.
type ConnectorEvent struct {
	EventID   string         `json:"event_id"`
	SourceID  string         `json:"source_id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// EventBatch is an ordered group of events flushed to the daemon as a unit.
type EventBatch struct {
	ConnectorID string           `json:"connector_id"`
	Events      []ConnectorEvent `json:"events"`
	CreatedAt   time.Time        `json:"created_at"`
}

// BatchConfig governs the batcher's flush policy. Both fields may be
// updated at runtime through the config manager.
type BatchConfig struct {
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	MaxBatchSize  int           `json:"max_batch_size" yaml:"max_batch_size"`
}

// DefaultBatchConfig returns the flush policy used when the daemon has
// not supplied one.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		FlushInterval: time.Second,
		MaxBatchSize:  20,
	}
}

// Statistics is a snapshot of a monitor's counters. All mutation happens
// inside the owning component under a single mutex; callers receive copies.
type Statistics struct {
	EventsProcessed int64     `json:"events_processed"`
	EventsFiltered  int64     `json:"events_filtered"`
	EventsDropped   int64     `json:"events_dropped"`
	Errors          int64     `json:"errors"`
	StartTime       time.Time `json:"start_time"`
	IsRunning       bool      `json:"is_running"`
}
