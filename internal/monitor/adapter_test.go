package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/contextd/connectors/internal/platform"
	"github.com/contextd/connectors/internal/types"
)

// fakePlatformMonitor lets the test push raw values as if the OS had
// reported them.
type fakePlatformMonitor struct {
	mu      sync.Mutex
	cb      platform.Callback
	stopped bool
}

func (f *fakePlatformMonitor) Start(cb platform.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	return nil
}

func (f *fakePlatformMonitor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakePlatformMonitor) Current() ([]byte, error)      { return nil, nil }
func (f *fakePlatformMonitor) Mode() platform.Mode           { return platform.ModePollingFallback }
func (f *fakePlatformMonitor) SetBaseInterval(time.Duration) {}

func (f *fakePlatformMonitor) emit(value string) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb([]byte(value))
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []types.ConnectorEvent
}

func (r *eventRecorder) record(ev types.ConnectorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []types.ConnectorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ConnectorEvent(nil), r.events...)
}

func TestAdapterDeduplicatesUnchangedContent(t *testing.T) {
	pm := &fakePlatformMonitor{}
	rec := &eventRecorder{}
	a := NewAdapter("clipboard", types.EventClipboardChange, pm, nil)

	if err := a.Start(rec.record); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer a.Stop()

	pm.emit("hello")
	pm.emit("world")
	pm.emit("world")

	events := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	var contents []string
	for _, ev := range events {
		contents = append(contents, ev.Payload["content"].(string))
	}
	if diff := cmp.Diff([]string{"hello", "world"}, contents); diff != "" {
		t.Errorf("event contents mismatch (-want +got):\n%s", diff)
	}

	stats := a.Statistics()
	if stats.EventsProcessed != 2 {
		t.Errorf("EventsProcessed = %d, want 2", stats.EventsProcessed)
	}
	if stats.EventsFiltered != 1 {
		t.Errorf("EventsFiltered = %d, want 1", stats.EventsFiltered)
	}
}

func TestAdapterEventMetadata(t *testing.T) {
	pm := &fakePlatformMonitor{}
	rec := &eventRecorder{}
	a := NewAdapter("clipboard", types.EventClipboardChange, pm, nil)

	if err := a.Start(rec.record); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer a.Stop()

	pm.emit("https://example.com")

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]

	if ev.SourceID != "clipboard" {
		t.Errorf("SourceID = %q, want %q", ev.SourceID, "clipboard")
	}
	if ev.Type != types.EventClipboardChange {
		t.Errorf("Type = %q, want %q", ev.Type, types.EventClipboardChange)
	}
	if ev.EventID == "" {
		t.Error("EventID is empty")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
	if got := ev.Payload["length"].(int); got != len("https://example.com") {
		t.Errorf("payload length = %d, want %d", got, len("https://example.com"))
	}
	if got := ev.Payload["content_type"].(string); got != string(types.ContentURL) {
		t.Errorf("payload content_type = %q, want %q", got, types.ContentURL)
	}
}

func TestAdapterTimestampsMonotonic(t *testing.T) {
	pm := &fakePlatformMonitor{}
	rec := &eventRecorder{}
	a := NewAdapter("clipboard", types.EventClipboardChange, pm, nil)

	if err := a.Start(rec.record); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer a.Stop()

	for i := 0; i < 50; i++ {
		pm.emit(string(rune('a' + i%26)))
	}

	events := rec.snapshot()
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("timestamp went backwards at event %d", i)
		}
	}
}

func TestAdapterStopDropsLateValues(t *testing.T) {
	pm := &fakePlatformMonitor{}
	rec := &eventRecorder{}
	a := NewAdapter("clipboard", types.EventClipboardChange, pm, nil)

	if err := a.Start(rec.record); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !a.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	a.Stop()
	if a.IsRunning() {
		t.Fatal("IsRunning() = true after Stop")
	}
	if !pm.stopped {
		t.Fatal("platform monitor was not stopped")
	}

	pm.emit("late")
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("late value produced %d events, want 0", got)
	}

	if stats := a.Statistics(); stats.IsRunning {
		t.Error("Statistics().IsRunning = true after Stop")
	}
}
