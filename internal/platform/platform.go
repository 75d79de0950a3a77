// Package platform contains the per-OS change detection primitives.
// Each OS gets exactly one concrete Monitor implementation, selected at
// build time; shared logic never branches on the OS.
package platform

import (
	"errors"
	"time"
)

// ErrPlatformAPI indicates that a native notification API could not be
// used. It is always recovered locally by falling back to polling and
// never propagated as fatal.
var ErrPlatformAPI = errors.New("platform: native notification unavailable")

// Mode reports how a monitor is currently detecting changes.
type Mode string

const (
	ModeIdle            Mode = "idle"
	ModeEventDriven     Mode = "event-driven"
	ModePollingFallback Mode = "polling"
)

// Callback receives the raw value read after a detected change.
type Callback func(data []byte)

// ReadFunc samples the current raw value of the monitored resource.
type ReadFunc func() ([]byte, error)

// Monitor detects "content changed" on one operating system. Start may
// be called once; Stop causes the monitoring goroutine to exit within
// one polling interval or one notification-wait timeout.
type Monitor interface {
	Start(cb Callback) error
	Stop()
	Current() ([]byte, error)
	Mode() Mode

	// SetBaseInterval applies a new minimum polling interval without a
	// restart. It is a no-op for purely event-driven operation.
	SetBaseInterval(d time.Duration)
}
