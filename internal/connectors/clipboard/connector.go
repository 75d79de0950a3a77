// Package clipboard implements the clipboard connector: it observes the
// system clipboard through the platform layer and relays change events
// to the daemon via the connector runtime.
package clipboard

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/contextd/connectors/internal/config"
	"github.com/contextd/connectors/internal/connector"
	"github.com/contextd/connectors/internal/monitor"
	"github.com/contextd/connectors/internal/platform"
	"github.com/contextd/connectors/internal/types"
)

// ConnectorID is the identity this connector registers with the daemon.
const ConnectorID = "clipboard"

// Connector provides the clipboard-specific hooks for the runtime. The
// heavy lifting lives in platform (OS change detection) and monitor
// (dedup and event construction); this type only assembles them and
// applies live configuration.
type Connector struct {
	logger *zap.Logger

	adapter *monitor.Adapter
	gate    *pauseGate
}

// New builds the clipboard connector.
func New(logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{logger: logger}
}

// Monitor returns the pausable clipboard monitor. Valid after
// OnInitialize has run.
func (c *Connector) Monitor() monitor.ConnectorMonitor {
	return c.gate
}

// Schema declares the keys the daemon may manage for this connector.
func (c *Connector) Schema() map[string]any {
	return map[string]any{
		"poll_interval_ms": map[string]any{
			"type":        "integer",
			"default":     50,
			"description": "Base polling interval when native clipboard notifications are unavailable.",
		},
		"batch.max_batch_size": map[string]any{
			"type":    "integer",
			"default": types.DefaultBatchConfig().MaxBatchSize,
		},
		"batch.flush_interval_ms": map[string]any{
			"type":    "integer",
			"default": int(types.DefaultBatchConfig().FlushInterval / time.Millisecond),
		},
		"clipboard.paused": map[string]any{
			"type":        "boolean",
			"default":     false,
			"description": "Suspend clipboard observation without stopping the connector.",
		},
	}
}

// OnInitialize builds the platform monitor with the effective poll
// interval and wires hot-apply for the keys the daemon owns.
func (c *Connector) OnInitialize(rt *connector.Runtime) error {
	cfg := rt.Config()
	mgr := rt.ConfigManager()

	base := cfg.PollInterval()
	if mgr != nil {
		base = mgr.GetDurationMs("poll_interval_ms", base)
	}

	ladder := platform.NewLadder(stepsFromBase(base), 0)
	pm := platform.NewClipboardMonitor(ladder, c.logger.Named("platform"))
	c.adapter = monitor.NewAdapter(ConnectorID, types.EventClipboardChange, pm, c.logger.Named("monitor"))
	c.gate = newPauseGate(c.adapter)
	if mgr != nil {
		c.gate.setPaused(mgr.GetBool("clipboard.paused", false))

		mgr.OnChange(func(changed []string, _ map[string]any) {
			for _, key := range changed {
				switch {
				case key == "poll_interval_ms":
					d := mgr.GetDurationMs("poll_interval_ms", base)
					c.adapter.SetBaseInterval(d)
					c.logger.Info("poll interval updated", zap.Duration("interval", d))
				case config.KeyHasPrefix(key, "clipboard"):
					paused := mgr.GetBool("clipboard.paused", false)
					c.gate.setPaused(paused)
					c.logger.Info("clipboard pause flag updated", zap.Bool("paused", paused))
				}
			}
		})
	}
	return nil
}

func (c *Connector) OnStart(rt *connector.Runtime) error { return nil }

func (c *Connector) OnStop(rt *connector.Runtime) error { return nil }

// stepsFromBase derives the escalation ladder from a base interval,
// preserving the default shape: 4x, 20x, 40x the base.
func stepsFromBase(base time.Duration) []time.Duration {
	if base <= 0 {
		return platform.DefaultLadderSteps
	}
	return []time.Duration{base, 4 * base, 20 * base, 40 * base}
}

// pauseGate suppresses event delivery while the daemon has the
// connector paused. The underlying monitor keeps running so resuming is
// instant and needs no OS re-registration.
type pauseGate struct {
	inner  *monitor.Adapter
	paused atomic.Bool
}

func newPauseGate(inner *monitor.Adapter) *pauseGate {
	return &pauseGate{inner: inner}
}

func (g *pauseGate) setPaused(paused bool) { g.paused.Store(paused) }

func (g *pauseGate) Start(cb monitor.EventCallback) error {
	return g.inner.Start(func(ev types.ConnectorEvent) {
		if g.paused.Load() {
			return
		}
		cb(ev)
	})
}

func (g *pauseGate) Stop() { g.inner.Stop() }

func (g *pauseGate) IsRunning() bool { return g.inner.IsRunning() }

func (g *pauseGate) Statistics() types.Statistics { return g.inner.Statistics() }
