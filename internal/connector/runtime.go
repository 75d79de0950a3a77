// Package connector provides the runtime every connector executable is
// built on: lifecycle state machine, daemon handshake, event pipeline
// wiring, and graceful shutdown.
package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/contextd/connectors/internal/batch"
	"github.com/contextd/connectors/internal/config"
	"github.com/contextd/connectors/internal/ipc"
	"github.com/contextd/connectors/internal/monitor"
	"github.com/contextd/connectors/internal/types"
)

// ErrInitialization is the only fatal error class: the daemon was
// unreachable after the configured retries, or a connector-specific
// initialization hook failed. The process exits non-zero.
var ErrInitialization = errors.New("connector: initialization failed")

// Transport is the slice of the IPC layer the runtime depends on.
type Transport interface {
	Connect(ctx context.Context) error
	Request(req *ipc.Request) (*ipc.Response, error)
	State() ipc.State
	Close() error
}

// Hooks are the extension points for connector-specific behavior. The
// runtime owns the lifecycle; hooks fill in what is being monitored and
// how.
type Hooks interface {
	// Monitor returns the connector's monitoring capability. Called
	// once, after OnInitialize.
	Monitor() monitor.ConnectorMonitor

	// Schema describes the connector's configuration schema, registered
	// with the daemon during initialization.
	Schema() map[string]any

	// OnInitialize runs after the daemon handshake and the first config
	// fetch, before monitoring starts. An error here is fatal.
	OnInitialize(rt *Runtime) error

	// OnStart runs immediately before the runtime enters Running.
	OnStart(rt *Runtime) error

	// OnStop runs at the beginning of shutdown, while the pipeline is
	// still up.
	OnStop(rt *Runtime) error
}

// Options configure a runtime. Transport may be nil, in which case a
// real IPC transport for the configured endpoint is built.
type Options struct {
	Config    *config.Config
	Hooks     Hooks
	Transport Transport
	Logger    *zap.Logger
}

// Runtime wires one monitor, one batcher, one transport, and one config
// manager together and drives them through the connector lifecycle.
// None of these are shared across runtime instances.
type Runtime struct {
	cfg    *config.Config
	hooks  Hooks
	logger *zap.Logger

	transport Transport
	configMgr *config.Manager
	batcher   *batch.Batcher
	mon       monitor.ConnectorMonitor

	state atomic.Int32
}

// New builds a runtime in the Created state.
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("connector: nil config")
	}
	if opts.Hooks == nil {
		return nil, fmt.Errorf("connector: nil hooks")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := opts.Transport
	if transport == nil {
		transport = ipc.NewTransport(ipc.Options{
			Endpoint: opts.Config.DaemonURL,
		}, logger.Named("ipc"))
	}

	rt := &Runtime{
		cfg:       opts.Config,
		hooks:     opts.Hooks,
		logger:    logger,
		transport: transport,
	}
	rt.state.Store(int32(types.StateCreated))
	return rt, nil
}

// State returns the current lifecycle state.
func (rt *Runtime) State() types.ConnectorState {
	return types.ConnectorState(rt.state.Load())
}

// Config returns the local bootstrap configuration.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// ConfigManager returns the daemon-synced configuration. Nil until
// initialization has begun.
func (rt *Runtime) ConfigManager() *config.Manager { return rt.configMgr }

// Batcher returns the event batcher. Nil until initialization has
// begun.
func (rt *Runtime) Batcher() *batch.Batcher { return rt.batcher }

// Transport returns the IPC transport.
func (rt *Runtime) Transport() Transport { return rt.transport }

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *zap.Logger { return rt.logger }

// Statistics reports the monitor's counters plus batcher drops, for
// health and diagnostic callers.
func (rt *Runtime) Statistics() types.Statistics {
	var stats types.Statistics
	if rt.mon != nil {
		stats = rt.mon.Statistics()
	}
	if rt.batcher != nil {
		stats.EventsDropped += rt.batcher.Dropped()
	}
	return stats
}

func (rt *Runtime) transition(next types.ConnectorState) {
	for {
		current := types.ConnectorState(rt.state.Load())
		if current == next {
			return
		}
		if !current.CanTransition(next) {
			rt.logger.Error("illegal state transition attempted",
				zap.String("from", current.String()),
				zap.String("to", next.String()))
			return
		}
		if rt.state.CompareAndSwap(int32(current), int32(next)) {
			rt.logger.Info("connector state changed",
				zap.String("from", current.String()),
				zap.String("to", next.String()))
			return
		}
	}
}

// fail moves the runtime into the terminal Error state.
func (rt *Runtime) fail(err error) error {
	rt.transition(types.StateError)
	rt.logger.Error("connector entering error state", zap.Error(err))
	return err
}

// Run drives the connector from Created to Stopped. It blocks until an
// interrupt or termination signal arrives (or ctx is canceled), then
// performs the ordered shutdown. The returned error is non-nil only for
// fatal initialization failures.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.transition(types.StateInitializing)

	if err := rt.connectWithRetry(ctx); err != nil {
		return rt.fail(fmt.Errorf("%w: %v", ErrInitialization, err))
	}

	rt.registerSchema()

	rt.configMgr = config.NewManager(rt.cfg.ConnectorID, rt.transport, nil, rt.logger.Named("config"))
	if err := rt.configMgr.LoadFromDaemon(); err != nil {
		// Not fatal: the local bootstrap values stay in effect.
		rt.logger.Warn("initial config fetch failed, using local defaults", zap.Error(err))
	}

	rt.batcher = batch.New(rt.cfg.ConnectorID, rt.batchConfig(),
		&ingestSender{transport: rt.transport}, rt.logger.Named("batch"))

	if err := rt.hooks.OnInitialize(rt); err != nil {
		return rt.fail(fmt.Errorf("%w: OnInitialize: %v", ErrInitialization, err))
	}

	rt.mon = rt.hooks.Monitor()
	if rt.mon == nil {
		return rt.fail(fmt.Errorf("%w: hooks returned no monitor", ErrInitialization))
	}

	rt.batcher.Start()
	if err := rt.mon.Start(rt.batcher.Push); err != nil {
		rt.batcher.Stop()
		return rt.fail(fmt.Errorf("%w: monitor start: %v", ErrInitialization, err))
	}

	// Generic hot-apply: batch thresholds follow the daemon's copy.
	// Connector-specific keys are wired by the hooks.
	rt.configMgr.OnChange(func(changed []string, _ map[string]any) {
		for _, key := range changed {
			if config.KeyHasPrefix(key, "batch") {
				rt.batcher.UpdateConfig(rt.batchConfig())
				return
			}
		}
	})
	rt.configMgr.StartMonitoring(rt.cfg.ConfigRefreshInterval())

	if err := rt.hooks.OnStart(rt); err != nil {
		rt.shutdown()
		return rt.fail(fmt.Errorf("%w: OnStart: %v", ErrInitialization, err))
	}

	rt.transition(types.StateRunning)
	rt.logger.Info("connector running",
		zap.String("connector_id", rt.cfg.ConnectorID))

	<-ctx.Done()

	rt.transition(types.StateStopping)
	if err := rt.hooks.OnStop(rt); err != nil {
		rt.logger.Warn("OnStop hook failed", zap.Error(err))
	}
	rt.shutdown()
	rt.transition(types.StateStopped)
	rt.logger.Info("connector stopped cleanly")
	return nil
}

// shutdown tears the pipeline down in dependency order: no new events,
// drain what is queued, then drop the channel to the daemon.
func (rt *Runtime) shutdown() {
	if rt.mon != nil {
		rt.mon.Stop()
	}
	if rt.batcher != nil {
		rt.batcher.Stop()
	}
	if rt.transport != nil {
		rt.transport.Close()
	}
	if rt.configMgr != nil {
		rt.configMgr.Stop()
	}
}

// connectWithRetry performs the initial daemon handshake with a bounded
// retry budget. Once this succeeds, later disconnects are handled by
// the transport's own reconnect loop and are never fatal.
func (rt *Runtime) connectWithRetry(ctx context.Context) error {
	retries := rt.cfg.InitialConnectRetries
	if retries <= 0 {
		retries = 5
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := rt.transport.Connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		rt.logger.Warn("daemon connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retries),
			zap.Duration("retry_in", backoff),
			zap.Error(lastErr))

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
	}
	return fmt.Errorf("daemon unreachable after %d attempts: %v", retries, lastErr)
}

// registerSchema announces the connector's configuration schema to the
// daemon. Failure is logged, not fatal: the daemon may predate the
// schema or already have it.
func (rt *Runtime) registerSchema() {
	schema := rt.hooks.Schema()
	if schema == nil {
		return
	}
	resp, err := rt.transport.Request(&ipc.Request{
		Path:   "/connector-config/register-schema/" + rt.cfg.ConnectorID,
		Method: "POST",
		Body:   schema,
	})
	if err != nil {
		rt.logger.Warn("schema registration failed", zap.Error(err))
		return
	}
	if !resp.OK() {
		rt.logger.Warn("schema registration rejected",
			zap.Int("status", resp.Status), zap.String("error", resp.Error))
	}
}

// batchConfig assembles the effective flush policy: daemon values when
// present, local bootstrap values otherwise.
func (rt *Runtime) batchConfig() types.BatchConfig {
	cfg := rt.cfg.Batch
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = types.DefaultBatchConfig().FlushInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = types.DefaultBatchConfig().MaxBatchSize
	}
	if rt.configMgr != nil {
		cfg.FlushInterval = rt.configMgr.GetDurationMs("batch.flush_interval_ms", cfg.FlushInterval)
		cfg.MaxBatchSize = rt.configMgr.GetInt("batch.max_batch_size", cfg.MaxBatchSize)
	}
	return cfg
}
