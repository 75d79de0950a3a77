package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextd/connectors/internal/config"
	"github.com/contextd/connectors/internal/ipc"
	"github.com/contextd/connectors/internal/monitor"
	"github.com/contextd/connectors/internal/types"
)

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	requests    []ipc.Request
	closed      bool
	configBody  map[string]any
	ingestError error
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Request(req *ipc.Request) (*ipc.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, *req)

	if req.Path == "/api/events/ingest" && f.ingestError != nil {
		return nil, f.ingestError
	}

	var data json.RawMessage
	if f.configBody != nil && req.Method == "GET" {
		data, _ = json.Marshal(f.configBody)
	} else {
		data = json.RawMessage(`{}`)
	}
	return &ipc.Response{ID: req.ID, Status: 200, Data: data}, nil
}

func (f *fakeTransport) State() ipc.State { return ipc.Connected }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) requestPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, len(f.requests))
	for i, req := range f.requests {
		paths[i] = req.Path
	}
	return paths
}

// fakeMonitor satisfies the monitor capability and lets tests inject
// events.
type fakeMonitor struct {
	mu      sync.Mutex
	cb      monitor.EventCallback
	running bool
	stopped bool
}

func (f *fakeMonitor) Start(cb monitor.EventCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	f.running = true
	return nil
}

func (f *fakeMonitor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopped = true
}

func (f *fakeMonitor) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeMonitor) Statistics() types.Statistics {
	return types.Statistics{IsRunning: f.IsRunning()}
}

func (f *fakeMonitor) emit(ev types.ConnectorEvent) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

type fakeHooks struct {
	mon       *fakeMonitor
	initErr   error
	startErr  error
	mu        sync.Mutex
	initCalls int
	stopCalls int
}

func (h *fakeHooks) Monitor() monitor.ConnectorMonitor { return h.mon }
func (h *fakeHooks) Schema() map[string]any {
	return map[string]any{"poll_interval_ms": map[string]any{"type": "integer"}}
}
func (h *fakeHooks) OnInitialize(rt *Runtime) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initCalls++
	return h.initErr
}
func (h *fakeHooks) OnStart(rt *Runtime) error { return h.startErr }
func (h *fakeHooks) OnStop(rt *Runtime) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls++
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig("test-connector")
	cfg.InitialConnectRetries = 1
	cfg.Batch.FlushInterval = 10 * time.Millisecond
	cfg.Batch.MaxBatchSize = 5
	return cfg
}

func waitState(t *testing.T, rt *Runtime, want types.ConnectorState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rt.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("runtime never reached %v (now %v)", want, rt.State())
}

func TestRuntimeLifecycle(t *testing.T) {
	transport := &fakeTransport{}
	hooks := &fakeHooks{mon: &fakeMonitor{}}

	rt, err := New(Options{Config: testConfig(), Hooks: hooks, Transport: transport})
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, rt.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitState(t, rt, types.StateRunning)
	assert.True(t, hooks.mon.IsRunning())

	// An observed change flows through the batcher to the ingest path.
	hooks.mon.emit(types.ConnectorEvent{
		EventID:  "ev-1",
		SourceID: "test",
		Type:     types.EventClipboardChange,
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, path := range transport.requestPaths() {
			if path == "/api/events/ingest" {
				goto ingested
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event never reached the ingest endpoint")
ingested:

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, types.StateStopped, rt.State())

	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	assert.True(t, closed, "transport not closed on shutdown")
	assert.True(t, hooks.mon.stopped, "monitor not stopped on shutdown")

	hooks.mu.Lock()
	assert.Equal(t, 1, hooks.initCalls)
	assert.Equal(t, 1, hooks.stopCalls)
	hooks.mu.Unlock()
}

func TestRuntimeHandshakeRequests(t *testing.T) {
	transport := &fakeTransport{}
	hooks := &fakeHooks{mon: &fakeMonitor{}}

	rt, err := New(Options{Config: testConfig(), Hooks: hooks, Transport: transport})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	waitState(t, rt, types.StateRunning)
	cancel()
	require.NoError(t, <-done)

	paths := transport.requestPaths()
	assert.Contains(t, paths, "/connector-config/register-schema/test-connector")
	assert.Contains(t, paths, "/connector-config/current/test-connector")
}

func TestRuntimeFatalWhenDaemonUnreachable(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("connection refused")}
	hooks := &fakeHooks{mon: &fakeMonitor{}}

	rt, err := New(Options{Config: testConfig(), Hooks: hooks, Transport: transport})
	require.NoError(t, err)

	err = rt.Run(context.Background())
	require.ErrorIs(t, err, ErrInitialization)
	assert.Equal(t, types.StateError, rt.State())
}

func TestRuntimeFatalOnInitializeFailure(t *testing.T) {
	transport := &fakeTransport{}
	hooks := &fakeHooks{mon: &fakeMonitor{}, initErr: errors.New("bad schema")}

	rt, err := New(Options{Config: testConfig(), Hooks: hooks, Transport: transport})
	require.NoError(t, err)

	err = rt.Run(context.Background())
	require.ErrorIs(t, err, ErrInitialization)
	assert.Equal(t, types.StateError, rt.State())
}

func TestRuntimeBatchConfigFromDaemon(t *testing.T) {
	transport := &fakeTransport{configBody: map[string]any{
		"batch": map[string]any{
			"max_batch_size":    3,
			"flush_interval_ms": 25,
		},
	}}
	hooks := &fakeHooks{mon: &fakeMonitor{}}

	rt, err := New(Options{Config: testConfig(), Hooks: hooks, Transport: transport})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	defer func() { cancel(); <-done }()

	waitState(t, rt, types.StateRunning)

	cfg := rt.Batcher().Config()
	assert.Equal(t, 3, cfg.MaxBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.FlushInterval)
}

func TestRuntimeConfigHotApply(t *testing.T) {
	transport := &fakeTransport{configBody: map[string]any{
		"batch": map[string]any{"max_batch_size": 5},
	}}
	hooks := &fakeHooks{mon: &fakeMonitor{}}

	rt, err := New(Options{Config: testConfig(), Hooks: hooks, Transport: transport})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	defer func() { cancel(); <-done }()

	waitState(t, rt, types.StateRunning)
	require.Equal(t, 5, rt.Batcher().Config().MaxBatchSize)

	// The daemon changes the threshold; the next fetch applies it live.
	transport.mu.Lock()
	transport.configBody = map[string]any{
		"batch": map[string]any{"max_batch_size": 9},
	}
	transport.mu.Unlock()

	require.NoError(t, rt.ConfigManager().LoadFromDaemon())
	assert.Equal(t, 9, rt.Batcher().Config().MaxBatchSize)
}
