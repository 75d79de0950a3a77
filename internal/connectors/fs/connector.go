package fs

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/contextd/connectors/internal/config"
	"github.com/contextd/connectors/internal/connector"
	"github.com/contextd/connectors/internal/monitor"
)

// ConnectorID is the identity this connector registers with the daemon.
const ConnectorID = "fs"

// Connector provides the filesystem-specific hooks for the runtime.
type Connector struct {
	logger *zap.Logger

	index   *Index
	watcher *Watcher
}

// New builds the filesystem connector.
func New(logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{logger: logger}
}

// Monitor returns the directory watcher. Valid after OnInitialize.
func (c *Connector) Monitor() monitor.ConnectorMonitor {
	return c.watcher
}

// Schema declares the keys the daemon may manage for this connector.
func (c *Connector) Schema() map[string]any {
	return map[string]any{
		"watch_dirs": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Directory trees to observe for file changes.",
		},
		"poll_interval_ms": map[string]any{
			"type":        "integer",
			"default":     2000,
			"description": "Rescan cadence when native filesystem notifications are unavailable.",
		},
	}
}

// OnInitialize opens the persistent file index and builds the watcher
// over the effective directory set. The daemon's copy of watch_dirs
// wins over the local bootstrap file, and later changes apply live.
func (c *Connector) OnInitialize(rt *connector.Runtime) error {
	cfg := rt.Config()
	mgr := rt.ConfigManager()

	dirs := cfg.WatchDirs
	scanInterval := cfg.PollInterval()
	if mgr != nil {
		dirs = mgr.GetStrings("watch_dirs", dirs)
		scanInterval = mgr.GetDurationMs("poll_interval_ms", scanInterval)
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to watch; set watch_dirs")
	}

	index, err := OpenIndex(cfg.IndexPath)
	if err != nil {
		return fmt.Errorf("failed to open file index: %w", err)
	}
	c.index = index
	c.watcher = NewWatcher(dirs, index, scanInterval, c.logger.Named("watcher"))

	if mgr != nil {
		mgr.OnChange(func(changed []string, _ map[string]any) {
			for _, key := range changed {
				if config.KeyHasPrefix(key, "watch_dirs") {
					c.watcher.UpdateDirs(mgr.GetStrings("watch_dirs", nil))
					return
				}
			}
		})
	}
	return nil
}

func (c *Connector) OnStart(rt *connector.Runtime) error { return nil }

// OnStop is a no-op; the index stays open until Close.
func (c *Connector) OnStop(rt *connector.Runtime) error { return nil }

// Close releases the index. Called by the executable after Run returns.
func (c *Connector) Close() error {
	if c.index != nil {
		return c.index.Close()
	}
	return nil
}
