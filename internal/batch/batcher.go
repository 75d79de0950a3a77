// Package batch decouples event production rate from IPC send rate.
package batch

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contextd/connectors/internal/types"
)

// ErrSerialization marks a malformed event or batch payload. The
// offending item is dropped and counted; the batcher keeps running.
var ErrSerialization = errors.New("batch: serialization failed")

// DefaultMaxQueue bounds the in-memory queue. When the transport is
// down long enough to fill it, the oldest events are discarded first so
// the freshest observed state survives.
const DefaultMaxQueue = 1000

// Sender delivers one assembled batch. Implementations must be safe to
// call from the batcher's flush goroutine.
type Sender interface {
	SendBatch(batch types.EventBatch) error
}

// Batcher accumulates events and flushes them when either the size
// threshold or the flush interval is reached, whichever happens first.
// An interval tick with an empty queue never produces a flush.
type Batcher struct {
	connectorID string
	sender      Sender
	logger      *zap.Logger

	mu       sync.Mutex
	cfg      types.BatchConfig
	maxQueue int
	queue    []types.ConnectorEvent
	dropped  int64
	flushed  int64
	running  bool

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a batcher. Zero-value config fields get defaults.
func New(connectorID string, cfg types.BatchConfig, sender Sender, logger *zap.Logger) *Batcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = types.DefaultBatchConfig().FlushInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = types.DefaultBatchConfig().MaxBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		connectorID: connectorID,
		sender:      sender,
		logger:      logger,
		cfg:         cfg,
		maxQueue:    DefaultMaxQueue,
		kick:        make(chan struct{}, 1),
	}
}

// Start launches the flush goroutine.
func (b *Batcher) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	go b.run(stopCh, doneCh)
}

// Stop terminates the flush goroutine after a final best-effort drain.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	close(stopCh)
	<-doneCh
	b.Drain()
}

// Push enqueues one event without blocking the producer. When the queue
// is full the oldest event is dropped and counted.
func (b *Batcher) Push(ev types.ConnectorEvent) {
	b.mu.Lock()
	if len(b.queue) >= b.maxQueue {
		b.queue = b.queue[1:]
		b.dropped++
	}
	b.queue = append(b.queue, ev)
	full := len(b.queue) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// UpdateConfig applies a new flush policy. The running flush loop picks
// it up on its next wakeup.
func (b *Batcher) UpdateConfig(cfg types.BatchConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.FlushInterval > 0 {
		b.cfg.FlushInterval = cfg.FlushInterval
	}
	if cfg.MaxBatchSize > 0 {
		b.cfg.MaxBatchSize = cfg.MaxBatchSize
	}
}

// Config returns the current flush policy.
func (b *Batcher) Config() types.BatchConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Dropped returns how many events were discarded by the overflow
// policy.
func (b *Batcher) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// QueueLen returns the number of events waiting for the next flush.
func (b *Batcher) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Batcher) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		b.mu.Lock()
		interval := b.cfg.FlushInterval
		b.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-b.kick:
			timer.Stop()
		case <-timer.C:
		}
		b.flushOnce()
	}
}

// flushOnce sends at most one batch. The queue lock is released before
// the send; events being flushed are taken out of the queue first and
// requeued at the front if the transport rejects them.
func (b *Batcher) flushOnce() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	n := b.cfg.MaxBatchSize
	if n > len(b.queue) {
		n = len(b.queue)
	}
	events := make([]types.ConnectorEvent, n)
	copy(events, b.queue[:n])
	b.queue = append([]types.ConnectorEvent(nil), b.queue[n:]...)
	b.mu.Unlock()

	batch := types.EventBatch{
		ConnectorID: b.connectorID,
		Events:      events,
		CreatedAt:   time.Now(),
	}

	if err := b.sender.SendBatch(batch); err != nil {
		if errors.Is(err, ErrSerialization) {
			b.logger.Warn("dropping unserializable batch",
				zap.Int("events", len(events)), zap.Error(err))
			b.mu.Lock()
			b.dropped += int64(len(events))
			b.mu.Unlock()
			return
		}
		b.logger.Warn("batch send failed, requeueing",
			zap.Int("events", len(events)), zap.Error(err))
		b.requeue(events)
		return
	}

	b.mu.Lock()
	b.flushed += int64(len(events))
	b.mu.Unlock()
	b.logger.Debug("flushed batch", zap.Int("events", len(events)))
}

// requeue puts failed events back at the head of the queue, preserving
// FIFO order, still subject to the overflow bound.
func (b *Batcher) requeue(events []types.ConnectorEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = append(events, b.queue...)
	if over := len(b.queue) - b.maxQueue; over > 0 {
		b.queue = b.queue[over:]
		b.dropped += int64(over)
	}
}

// Drain flushes everything left in the queue, one batch at a time,
// stopping at the first transport failure. Used during shutdown.
func (b *Batcher) Drain() {
	for {
		b.mu.Lock()
		remaining := len(b.queue)
		b.mu.Unlock()
		if remaining == 0 {
			return
		}
		before := remaining
		b.flushOnce()
		b.mu.Lock()
		after := len(b.queue)
		b.mu.Unlock()
		if after >= before {
			// No progress, transport is down. Shutdown is best effort.
			b.logger.Warn("abandoning drain, transport unavailable",
				zap.Int("events_left", after))
			return
		}
	}
}
