//go:build linux
// +build linux

package platform

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"go.uber.org/zap"
)

// linuxClipboardMonitor watches the X11 CLIPBOARD selection. When the
// XFixes extension is present it blocks on SetSelectionOwner
// notifications; otherwise it degrades to the polling ladder.
type linuxClipboardMonitor struct {
	logger *zap.Logger
	ladder *Ladder

	mu      sync.Mutex
	running bool
	mode    Mode

	conn    *xgb.Conn
	window  xproto.Window
	selAtom xproto.Atom

	fallback *PollingMonitor
	doneCh   chan struct{}
}

// NewClipboardMonitor returns the Linux clipboard monitor.
func NewClipboardMonitor(ladder *Ladder, logger *zap.Logger) Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ladder == nil {
		ladder = NewLadder(nil, 0)
	}
	return &linuxClipboardMonitor{
		logger: logger,
		ladder: ladder,
		mode:   ModeIdle,
	}
}

func (m *linuxClipboardMonitor) Start(cb Callback) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if err := m.registerXFixes(); err != nil {
		m.logger.Info("falling back to clipboard polling",
			zap.Error(err))
		m.mu.Lock()
		m.mode = ModePollingFallback
		m.fallback = NewPollingMonitor(m.Current, m.ladder, m.logger)
		fallback := m.fallback
		m.mu.Unlock()
		return fallback.Start(cb)
	}

	m.mu.Lock()
	m.mode = ModeEventDriven
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("clipboard monitoring via XFixes selection notifications")
	go m.eventLoop(cb)
	return nil
}

// registerXFixes connects to the X server and subscribes the monitor
// window to selection-owner changes of the CLIPBOARD atom.
func (m *linuxClipboardMonitor) registerXFixes() error {
	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("%w: X connection failed: %v", ErrPlatformAPI, err)
	}

	if err := xfixes.Init(conn); err != nil {
		conn.Close()
		return fmt.Errorf("%w: XFixes extension missing: %v", ErrPlatformAPI, err)
	}
	if _, err := xfixes.QueryVersion(conn, 5, 0).Reply(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: XFixes version query failed: %v", ErrPlatformAPI, err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	wid, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: window id allocation failed: %v", ErrPlatformAPI, err)
	}
	// 1x1 unmapped window, used only as the notification target.
	if err := xproto.CreateWindowChecked(conn, screen.RootDepth, wid, screen.Root,
		0, 0, 1, 1, 0, xproto.WindowClassInputOutput, screen.RootVisual,
		0, []uint32{}).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: window creation failed: %v", ErrPlatformAPI, err)
	}

	atomReply, err := xproto.InternAtom(conn, false,
		uint16(len("CLIPBOARD")), "CLIPBOARD").Reply()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: atom intern failed: %v", ErrPlatformAPI, err)
	}

	if err := xfixes.SelectSelectionInputChecked(conn, wid, atomReply.Atom,
		xfixes.SelectionEventMaskSetSelectionOwner).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: selection input select failed: %v", ErrPlatformAPI, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.window = wid
	m.selAtom = atomReply.Atom
	m.mu.Unlock()
	return nil
}

// eventLoop blocks on the X connection. Closing the connection from
// Stop unblocks WaitForEvent, so the goroutine exits without a timeout.
func (m *linuxClipboardMonitor) eventLoop(cb Callback) {
	defer close(m.doneCh)

	for {
		ev, xerr := m.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			// Connection closed, we are shutting down.
			m.logger.Debug("X connection closed, clipboard event loop exiting")
			return
		}
		if xerr != nil {
			m.logger.Debug("X event error", zap.String("error", xerr.Error()))
			continue
		}

		if _, ok := ev.(xfixes.SelectionNotifyEvent); ok {
			// A brief delay lets the new owner finish setting targets
			// before we request a conversion.
			time.Sleep(20 * time.Millisecond)
			value, err := m.Current()
			if err != nil {
				m.logger.Debug("clipboard read after notification failed", zap.Error(err))
				continue
			}
			cb(value)
		}
	}
}

func (m *linuxClipboardMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	fallback := m.fallback
	conn := m.conn
	doneCh := m.doneCh
	m.fallback = nil
	m.conn = nil
	m.mode = ModeIdle
	m.mu.Unlock()

	if fallback != nil {
		fallback.Stop()
		return
	}
	if conn != nil {
		conn.Close()
	}
	if doneCh != nil {
		<-doneCh
	}
}

// Current reads the CLIPBOARD selection through xclip, with wl-paste as
// the Wayland fallback. An empty clipboard is an empty value, not an
// error.
func (m *linuxClipboardMonitor) Current() ([]byte, error) {
	if _, err := exec.LookPath("xclip"); err == nil {
		out, err := exec.Command("xclip", "-selection", "clipboard", "-o").Output()
		if err != nil {
			if strings.Contains(err.Error(), "exit status 1") {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read X11 clipboard: %w", err)
		}
		return out, nil
	}
	if _, err := exec.LookPath("wl-paste"); err == nil {
		out, err := exec.Command("wl-paste", "--no-newline").Output()
		if err != nil {
			return nil, nil
		}
		return out, nil
	}
	return nil, fmt.Errorf("no clipboard reader available (xclip or wl-paste required)")
}

func (m *linuxClipboardMonitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ModeIdle
	}
	return m.mode
}

func (m *linuxClipboardMonitor) SetBaseInterval(d time.Duration) {
	m.ladder.Rebase(d)
}
