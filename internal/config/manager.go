package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contextd/connectors/internal/ipc"
)

// ErrConfigFetch marks a failed fetch of the daemon's configuration
// copy. It is never fatal; the last-known-good configuration stays in
// effect.
var ErrConfigFetch = errors.New("config: fetch from daemon failed")

// Fetcher is the slice of the transport the manager needs. Tests
// substitute a fake.
type Fetcher interface {
	Request(req *ipc.Request) (*ipc.Response, error)
}

// ChangeFunc is invoked after a fetch that altered the configuration,
// with the keys that changed and a full snapshot.
type ChangeFunc func(changed []string, snapshot map[string]any)

// Manager keeps the connector's runtime configuration synchronized with
// the daemon's authoritative copy. Nested objects are flattened to
// dotted keys; consumers read typed values or take snapshot copies,
// never the live map.
type Manager struct {
	connectorID string
	fetcher     Fetcher
	logger      *zap.Logger

	mu        sync.Mutex
	values    map[string]any
	lastFetch time.Time
	onChange  []ChangeFunc
	running   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a manager for one connector. Seed values (from the
// local bootstrap config) may be nil.
func NewManager(connectorID string, fetcher Fetcher, seed map[string]any, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	values := make(map[string]any)
	for k, v := range seed {
		values[k] = v
	}
	return &Manager{
		connectorID: connectorID,
		fetcher:     fetcher,
		logger:      logger,
		values:      values,
	}
}

// OnChange registers a callback for live configuration updates.
// Callbacks run on the manager's fetch goroutine, outside its mutex.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// LoadFromDaemon fetches the current configuration and replaces the
// in-memory map on success. On failure the previous configuration is
// retained and an ErrConfigFetch is returned for the caller to log.
func (m *Manager) LoadFromDaemon() error {
	resp, err := m.fetcher.Request(&ipc.Request{
		Path:   "/connector-config/current/" + m.connectorID,
		Method: "GET",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigFetch, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: daemon returned status %d: %s", ErrConfigFetch, resp.Status, resp.Error)
	}

	var raw map[string]any
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &raw); err != nil {
			return fmt.Errorf("%w: malformed config payload: %v", ErrConfigFetch, err)
		}
	}

	flat := make(map[string]any)
	flatten("", raw, flat)

	m.mu.Lock()
	changed := diffKeys(m.values, flat)
	m.values = flat
	m.lastFetch = time.Now()
	callbacks := append([]ChangeFunc(nil), m.onChange...)
	snapshot := copyMap(flat)
	m.mu.Unlock()

	if len(changed) > 0 {
		m.logger.Info("configuration updated from daemon",
			zap.Strings("changed_keys", changed))
		for _, fn := range callbacks {
			fn(changed, snapshot)
		}
	}
	return nil
}

// StartMonitoring refreshes the configuration on a fixed interval until
// Stop is called. Fetch failures are logged as warnings only.
func (m *Manager) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := m.LoadFromDaemon(); err != nil {
					m.logger.Warn("config refresh failed, keeping last known good",
						zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Snapshot returns a copy of the full flattened configuration.
func (m *Manager) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.values)
}

// LastFetch returns when the configuration was last replaced by a
// successful fetch; zero when never fetched.
func (m *Manager) LastFetch() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFetch
}

// GetString returns the string at key, or def.
func (m *Manager) GetString(key, def string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key].(string); ok {
		return v
	}
	return def
}

// GetBool returns the bool at key, or def.
func (m *Manager) GetBool(key string, def bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key].(bool); ok {
		return v
	}
	return def
}

// GetInt returns the integer at key, or def. JSON numbers arrive as
// float64.
func (m *Manager) GetInt(key string, def int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := m.values[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// GetDurationMs interprets the numeric value at key as milliseconds, or
// returns def.
func (m *Manager) GetDurationMs(key string, def time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := m.values[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return def
}

// GetStrings returns the string slice at key, or def. JSON arrays
// arrive as []any.
func (m *Manager) GetStrings(key string, def []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.values[key].([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// flatten converts nested objects to dotted keys. Arrays and scalars
// are stored as-is.
func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func diffKeys(old, new map[string]any) []string {
	var changed []string
	for k, v := range new {
		if ov, ok := old[k]; !ok || fmt.Sprintf("%v", ov) != fmt.Sprintf("%v", v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// keyPrefix is a helper for callbacks that only care about one
// subsystem's keys.
func KeyHasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix+".") || key == prefix
}
