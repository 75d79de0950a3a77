//go:build windows
// +build windows

package platform

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unicode/utf16"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procCreateWindowExW               = user32.NewProc("CreateWindowExW")
	procDestroyWindow                 = user32.NewProc("DestroyWindow")
	procAddClipboardFormatListener    = user32.NewProc("AddClipboardFormatListener")
	procRemoveClipboardFormatListener = user32.NewProc("RemoveClipboardFormatListener")
	procGetMessageW                   = user32.NewProc("GetMessageW")
	procPostMessageW                  = user32.NewProc("PostMessageW")
	procOpenClipboard                 = user32.NewProc("OpenClipboard")
	procCloseClipboard                = user32.NewProc("CloseClipboard")
	procGetClipboardData              = user32.NewProc("GetClipboardData")
	procIsClipboardFormatAvailable    = user32.NewProc("IsClipboardFormatAvailable")
	procGlobalLock                    = kernel32.NewProc("GlobalLock")
	procGlobalUnlock                  = kernel32.NewProc("GlobalUnlock")
	procGlobalSize                    = kernel32.NewProc("GlobalSize")
)

const (
	cfUnicodeText     = 13
	hwndMessage       = ^uintptr(2) // HWND_MESSAGE
	wmClipboardUpdate = 0x031D
	wmStopMonitor     = 0x8000 + 1 // WM_APP + 1
)

type msgW struct {
	hwnd    uintptr
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	ptX     int32
	ptY     int32
}

// windowsClipboardMonitor listens for WM_CLIPBOARDUPDATE on a
// message-only window. The format-listener API exists on every
// supported Windows version, but registration can still fail (e.g. in a
// session without a window station), in which case the monitor degrades
// to polling.
type windowsClipboardMonitor struct {
	logger *zap.Logger
	ladder *Ladder

	mu       sync.Mutex
	running  bool
	mode     Mode
	hwnd     uintptr
	fallback *PollingMonitor
	doneCh   chan struct{}
}

// NewClipboardMonitor returns the Windows clipboard monitor.
func NewClipboardMonitor(ladder *Ladder, logger *zap.Logger) Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ladder == nil {
		ladder = NewLadder(nil, 0)
	}
	return &windowsClipboardMonitor{
		logger: logger,
		ladder: ladder,
		mode:   ModeIdle,
	}
}

func (m *windowsClipboardMonitor) Start(cb Callback) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	started := make(chan error, 1)
	go m.eventLoop(cb, started)

	if err := <-started; err != nil {
		m.logger.Info("falling back to clipboard polling", zap.Error(err))
		m.mu.Lock()
		m.mode = ModePollingFallback
		m.fallback = NewPollingMonitor(m.Current, m.ladder, m.logger)
		fallback := m.fallback
		m.mu.Unlock()
		return fallback.Start(cb)
	}

	m.mu.Lock()
	m.mode = ModeEventDriven
	m.mu.Unlock()
	m.logger.Info("clipboard monitoring via clipboard format listener")
	return nil
}

// eventLoop owns the message window. Window handles and message queues
// are thread-affine, so the whole lifetime stays on one OS thread.
func (m *windowsClipboardMonitor) eventLoop(cb Callback, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.doneCh)

	className, _ := windows.UTF16PtrFromString("STATIC")
	hwnd, _, err := procCreateWindowExW.Call(
		0, uintptr(unsafe.Pointer(className)), 0, 0,
		0, 0, 0, 0, hwndMessage, 0, 0, 0)
	if hwnd == 0 {
		started <- fmt.Errorf("%w: CreateWindowEx failed: %v", ErrPlatformAPI, err)
		return
	}
	defer procDestroyWindow.Call(hwnd)

	ok, _, err := procAddClipboardFormatListener.Call(hwnd)
	if ok == 0 {
		started <- fmt.Errorf("%w: AddClipboardFormatListener failed: %v", ErrPlatformAPI, err)
		return
	}
	defer procRemoveClipboardFormatListener.Call(hwnd)

	m.mu.Lock()
	m.hwnd = hwnd
	m.mu.Unlock()
	started <- nil

	var msg msgW
	for {
		ret, _, _ := procGetMessageW.Call(
			uintptr(unsafe.Pointer(&msg)), hwnd, 0, 0)
		if ret == 0 || int32(ret) == -1 {
			return
		}
		switch msg.message {
		case wmStopMonitor:
			m.logger.Debug("clipboard message loop exiting")
			return
		case wmClipboardUpdate:
			value, err := m.Current()
			if err != nil {
				m.logger.Debug("clipboard read after update failed", zap.Error(err))
				continue
			}
			cb(value)
		}
	}
}

func (m *windowsClipboardMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	fallback := m.fallback
	hwnd := m.hwnd
	doneCh := m.doneCh
	m.fallback = nil
	m.hwnd = 0
	m.mode = ModeIdle
	m.mu.Unlock()

	if fallback != nil {
		fallback.Stop()
		return
	}
	if hwnd != 0 {
		procPostMessageW.Call(hwnd, wmStopMonitor, 0, 0)
	}
	if doneCh != nil {
		<-doneCh
	}
}

// Current reads CF_UNICODETEXT from the clipboard. Non-text content
// yields an empty value.
func (m *windowsClipboardMonitor) Current() ([]byte, error) {
	if avail, _, _ := procIsClipboardFormatAvailable.Call(cfUnicodeText); avail == 0 {
		return nil, nil
	}

	// The clipboard can be held open by the copying application for a
	// moment after the update message, so retry briefly.
	var opened bool
	for i := 0; i < 5; i++ {
		if ok, _, _ := procOpenClipboard.Call(0); ok != 0 {
			opened = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !opened {
		return nil, fmt.Errorf("failed to open clipboard")
	}
	defer procCloseClipboard.Call()

	handle, _, _ := procGetClipboardData.Call(cfUnicodeText)
	if handle == 0 {
		return nil, nil
	}

	ptr, _, _ := procGlobalLock.Call(handle)
	if ptr == 0 {
		return nil, fmt.Errorf("failed to lock clipboard data")
	}
	defer procGlobalUnlock.Call(handle)

	size, _, _ := procGlobalSize.Call(handle)
	if size == 0 {
		return nil, nil
	}

	units := size / 2
	u16 := make([]uint16, 0, units)
	for i := uintptr(0); i < units; i++ {
		c := *(*uint16)(unsafe.Pointer(ptr + i*2))
		if c == 0 {
			break
		}
		u16 = append(u16, c)
	}
	return []byte(string(utf16.Decode(u16))), nil
}

func (m *windowsClipboardMonitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ModeIdle
	}
	return m.mode
}

func (m *windowsClipboardMonitor) SetBaseInterval(d time.Duration) {
	m.ladder.Rebase(d)
}
