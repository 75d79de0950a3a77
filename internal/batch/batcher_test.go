package batch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/contextd/connectors/internal/types"
)

type fakeSender struct {
	mu      sync.Mutex
	batches []types.EventBatch
	err     error
}

func (f *fakeSender) SendBatch(batch types.EventBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSender) snapshot() []types.EventBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.EventBatch(nil), f.batches...)
}

func makeEvents(n int) []types.ConnectorEvent {
	events := make([]types.ConnectorEvent, n)
	for i := range events {
		events[i] = types.ConnectorEvent{
			EventID:   fmt.Sprintf("ev-%03d", i),
			SourceID:  "test",
			Type:      types.EventClipboardChange,
			Timestamp: time.Now(),
		}
	}
	return events
}

func TestBatcherSizeTrigger(t *testing.T) {
	sender := &fakeSender{}
	b := New("conn-1", types.BatchConfig{
		FlushInterval: time.Second,
		MaxBatchSize:  20,
	}, sender, nil)
	b.Start()
	defer b.Stop()

	for _, ev := range makeEvents(25) {
		b.Push(ev)
	}

	// The size threshold fires well before the 1s interval.
	waitFor(t, func() bool { return len(sender.snapshot()) >= 1 })

	first := sender.snapshot()[0]
	if len(first.Events) != 20 {
		t.Fatalf("first flush carried %d events, want 20", len(first.Events))
	}
	if first.ConnectorID != "conn-1" {
		t.Errorf("ConnectorID = %q, want conn-1", first.ConnectorID)
	}

	// The remaining 5 wait for the interval tick.
	waitFor(t, func() bool { return len(sender.snapshot()) >= 2 })
	second := sender.snapshot()[1]
	if len(second.Events) != 5 {
		t.Fatalf("second flush carried %d events, want 5", len(second.Events))
	}

	// FIFO across both flushes.
	all := append(first.Events, second.Events...)
	for i, ev := range all {
		if want := fmt.Sprintf("ev-%03d", i); ev.EventID != want {
			t.Fatalf("event %d out of order: got %s, want %s", i, ev.EventID, want)
		}
	}
}

func TestBatcherIdleTickNoFlush(t *testing.T) {
	sender := &fakeSender{}
	b := New("conn-1", types.BatchConfig{
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  20,
	}, sender, nil)
	b.Start()
	defer b.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := len(sender.snapshot()); got != 0 {
		t.Fatalf("empty queue produced %d flushes, want 0", got)
	}
}

func TestBatcherIntervalTrigger(t *testing.T) {
	sender := &fakeSender{}
	b := New("conn-1", types.BatchConfig{
		FlushInterval: 15 * time.Millisecond,
		MaxBatchSize:  100,
	}, sender, nil)
	b.Start()
	defer b.Stop()

	for _, ev := range makeEvents(3) {
		b.Push(ev)
	}

	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
	if got := len(sender.snapshot()[0].Events); got != 3 {
		t.Fatalf("interval flush carried %d events, want 3", got)
	}
}

func TestBatcherRequeueOnSendFailure(t *testing.T) {
	sender := &fakeSender{}
	sender.setErr(errors.New("daemon unreachable"))

	b := New("conn-1", types.BatchConfig{
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  10,
	}, sender, nil)
	b.Start()
	defer b.Stop()

	for _, ev := range makeEvents(5) {
		b.Push(ev)
	}

	// Several failed flush attempts happen; nothing is lost.
	time.Sleep(50 * time.Millisecond)
	if got := b.QueueLen(); got != 5 {
		t.Fatalf("queue length after failed sends = %d, want 5", got)
	}

	sender.setErr(nil)
	waitFor(t, func() bool { return len(sender.snapshot()) >= 1 })

	batch := sender.snapshot()[0]
	if len(batch.Events) != 5 {
		t.Fatalf("recovered flush carried %d events, want 5", len(batch.Events))
	}
	if batch.Events[0].EventID != "ev-000" {
		t.Errorf("order lost across requeue: first event %s", batch.Events[0].EventID)
	}
}

func TestBatcherSerializationErrorDrops(t *testing.T) {
	sender := &fakeSender{}
	sender.setErr(fmt.Errorf("%w: bad payload", ErrSerialization))

	b := New("conn-1", types.BatchConfig{
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  10,
	}, sender, nil)
	b.Start()
	defer b.Stop()

	for _, ev := range makeEvents(4) {
		b.Push(ev)
	}

	waitFor(t, func() bool { return b.QueueLen() == 0 })
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped() = %d, want 4", got)
	}
}

func TestBatcherOverflowDropsOldest(t *testing.T) {
	sender := &fakeSender{}
	sender.setErr(errors.New("down"))

	b := New("conn-1", types.BatchConfig{
		FlushInterval: time.Hour, // flushes never succeed anyway
		MaxBatchSize:  1000,
	}, sender, nil)
	b.maxQueue = 10

	for _, ev := range makeEvents(15) {
		b.Push(ev)
	}

	if got := b.QueueLen(); got != 10 {
		t.Fatalf("queue length = %d, want bound of 10", got)
	}
	if got := b.Dropped(); got != 5 {
		t.Fatalf("Dropped() = %d, want 5", got)
	}

	// The retained events are the newest ones.
	sender.setErr(nil)
	b.Start()
	b.Stop()
	batches := sender.snapshot()
	if len(batches) == 0 {
		t.Fatal("drain produced no batch")
	}
	if got := batches[0].Events[0].EventID; got != "ev-005" {
		t.Fatalf("oldest surviving event = %s, want ev-005", got)
	}
}

func TestBatcherStopDrains(t *testing.T) {
	sender := &fakeSender{}
	b := New("conn-1", types.BatchConfig{
		FlushInterval: time.Hour,
		MaxBatchSize:  100,
	}, sender, nil)
	b.Start()

	for _, ev := range makeEvents(7) {
		b.Push(ev)
	}
	b.Stop()

	batches := sender.snapshot()
	total := 0
	for _, batch := range batches {
		total += len(batch.Events)
	}
	if total != 7 {
		t.Fatalf("drain flushed %d events, want 7", total)
	}
}

func TestBatcherUpdateConfig(t *testing.T) {
	sender := &fakeSender{}
	b := New("conn-1", types.BatchConfig{
		FlushInterval: time.Hour,
		MaxBatchSize:  50,
	}, sender, nil)
	b.Start()
	defer b.Stop()

	b.UpdateConfig(types.BatchConfig{MaxBatchSize: 3})
	if got := b.Config().MaxBatchSize; got != 3 {
		t.Fatalf("MaxBatchSize after update = %d, want 3", got)
	}
	if got := b.Config().FlushInterval; got != time.Hour {
		t.Fatalf("FlushInterval changed unexpectedly: %v", got)
	}

	for _, ev := range makeEvents(3) {
		b.Push(ev)
	}
	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
	if got := len(sender.snapshot()[0].Events); got != 3 {
		t.Fatalf("flush after config update carried %d events, want 3", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
