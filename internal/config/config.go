// Package config carries both halves of connector configuration: the
// local bootstrap file read at startup, and the daemon-owned runtime
// configuration kept fresh by the Manager.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contextd/connectors/internal/types"
	"github.com/contextd/connectors/pkg/utils"
)

// Config is the local bootstrap configuration of one connector
// executable. Everything here can be overridden by the daemon's copy
// once the first fetch succeeds.
type Config struct {
	ConnectorID string `json:"connector_id" yaml:"connector_id"`
	DeviceName  string `json:"device_name" yaml:"device_name"`
	DaemonURL   string `json:"daemon_url" yaml:"daemon_url"`
	LogLevel    string `json:"log_level" yaml:"log_level"`

	// Monitoring options
	PollIntervalMs int64 `json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// Batching options
	Batch types.BatchConfig `json:"batch" yaml:"batch"`

	// Daemon interaction
	ConfigRefreshSec      int `json:"config_refresh_sec" yaml:"config_refresh_sec"`
	InitialConnectRetries int `json:"initial_connect_retries" yaml:"initial_connect_retries"`

	// Filesystem connector options
	WatchDirs []string `json:"watch_dirs" yaml:"watch_dirs"`
	IndexPath string   `json:"index_path" yaml:"index_path"`
}

// DefaultConfig returns a Config with working defaults for the given
// connector.
func DefaultConfig(connectorID string) *Config {
	return &Config{
		ConnectorID:           connectorID,
		DeviceName:            utils.GetHostname(),
		LogLevel:              "info",
		PollIntervalMs:        50,
		Batch:                 types.DefaultBatchConfig(),
		ConfigRefreshSec:      60,
		InitialConnectRetries: 5,
		IndexPath:             defaultIndexPath(connectorID),
	}
}

// Load reads the configuration file, falling back to defaults when it
// does not exist, and applies environment overrides last.
func Load(path, connectorID string) (*Config, error) {
	cfg := DefaultConfig(connectorID)

	if path == "" {
		path = defaultConfigPath(connectorID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(cfg)

	if cfg.ConnectorID == "" {
		cfg.ConnectorID = connectorID
	}
	return cfg, nil
}

// PollInterval returns the configured base polling interval.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ConfigRefreshInterval returns how often the daemon copy is re-fetched.
func (c *Config) ConfigRefreshInterval() time.Duration {
	if c.ConfigRefreshSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.ConfigRefreshSec) * time.Second
}

func defaultConfigPath(connectorID string) string {
	if base := os.Getenv("CONTEXTD_CONFIG_DIR"); base != "" {
		return filepath.Join(base, connectorID+".yaml")
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "contextd", connectorID+".yaml")
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(configDir, "io.contextd", connectorID+".yaml")
	default:
		return filepath.Join(configDir, "contextd", connectorID+".yaml")
	}
}

func defaultIndexPath(connectorID string) string {
	if base := os.Getenv("CONTEXTD_DATA_DIR"); base != "" {
		return filepath.Join(base, connectorID+".db")
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "contextd", connectorID+".db")
	}
	return filepath.Join(cacheDir, "contextd", connectorID+".db")
}

// overrideFromEnv applies CONTEXTD_* environment variables on top of
// whatever the file provided. DAEMON_URL is honored separately for
// parity with the other connector tooling.
func overrideFromEnv(cfg *Config) {
	if val := os.Getenv("DAEMON_URL"); val != "" {
		cfg.DaemonURL = val
	}
	if val := os.Getenv("CONTEXTD_CONNECTOR_ID"); val != "" {
		cfg.ConnectorID = val
	}
	if val := os.Getenv("CONTEXTD_DEVICE_NAME"); val != "" {
		cfg.DeviceName = val
	}
	if val := os.Getenv("CONTEXTD_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("CONTEXTD_POLL_INTERVAL_MS"); val != "" {
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.PollIntervalMs = ms
		}
	}
	if val := os.Getenv("CONTEXTD_MAX_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Batch.MaxBatchSize = n
		}
	}
	if val := os.Getenv("CONTEXTD_FLUSH_INTERVAL_MS"); val != "" {
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Batch.FlushInterval = time.Duration(ms) * time.Millisecond
		}
	}
}
