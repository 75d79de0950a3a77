// Package monitor adapts a platform change detector into the generic
// capability consumed by the connector runtime.
package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contextd/connectors/internal/platform"
	"github.com/contextd/connectors/internal/types"
	"github.com/contextd/connectors/pkg/utils"
)

// EventCallback receives every event the monitor emits.
type EventCallback func(ev types.ConnectorEvent)

// ConnectorMonitor is the capability the runtime consumes. The runtime
// never sees OS specifics; it only starts, stops, and inspects one of
// these.
type ConnectorMonitor interface {
	Start(cb EventCallback) error
	Stop()
	IsRunning() bool
	Statistics() types.Statistics
}

// Adapter wraps a platform.Monitor, deduplicates unchanged content, and
// emits typed events. The dedup cache and the statistics are mutated
// only under one mutex; the event callback is always invoked outside
// it.
type Adapter struct {
	sourceID  string
	eventType types.EventType
	pm        platform.Monitor
	logger    *zap.Logger

	mu       sync.Mutex
	running  bool
	lastHash string
	lastTS   time.Time
	stats    types.Statistics
	cb       EventCallback
}

// NewAdapter builds an adapter for one platform monitor. sourceID names
// the observed resource in every emitted event.
func NewAdapter(sourceID string, eventType types.EventType, pm platform.Monitor, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		sourceID:  sourceID,
		eventType: eventType,
		pm:        pm,
		logger:    logger,
	}
}

func (a *Adapter) Start(cb EventCallback) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.cb = cb
	a.running = true
	a.stats = types.Statistics{
		StartTime: time.Now(),
		IsRunning: true,
	}
	a.mu.Unlock()

	if err := a.pm.Start(a.onRawValue); err != nil {
		a.mu.Lock()
		a.running = false
		a.stats.IsRunning = false
		a.mu.Unlock()
		return err
	}
	a.logger.Info("monitor adapter started",
		zap.String("source_id", a.sourceID),
		zap.String("mode", string(a.pm.Mode())))
	return nil
}

func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.stats.IsRunning = false
	a.mu.Unlock()

	a.pm.Stop()
	a.logger.Info("monitor adapter stopped", zap.String("source_id", a.sourceID))
}

func (a *Adapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Statistics returns a copy of the current counters.
func (a *Adapter) Statistics() types.Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// SetBaseInterval forwards a live poll-interval update to the platform
// monitor.
func (a *Adapter) SetBaseInterval(d time.Duration) {
	a.pm.SetBaseInterval(d)
}

// onRawValue runs on the platform monitor's goroutine. It must stay
// cheap: compare, count, construct, hand off.
func (a *Adapter) onRawValue(data []byte) {
	hash := utils.HashContent(data)

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	if hash == a.lastHash {
		a.stats.EventsFiltered++
		a.mu.Unlock()
		return
	}
	a.lastHash = hash
	a.stats.EventsProcessed++

	// Timestamps are monotonically non-decreasing per source even if
	// the wall clock steps backwards.
	ts := time.Now()
	if ts.Before(a.lastTS) {
		ts = a.lastTS
	}
	a.lastTS = ts
	cb := a.cb
	a.mu.Unlock()

	ev := types.ConnectorEvent{
		EventID:   uuid.New().String(),
		SourceID:  a.sourceID,
		Type:      a.eventType,
		Timestamp: ts,
		Payload: map[string]any{
			"content":      string(data),
			"length":       len(data),
			"content_type": string(types.DetectContentType(data)),
			"hash":         hash,
		},
	}

	if cb != nil {
		cb(ev)
	}
}
