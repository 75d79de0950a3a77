//go:build darwin
// +build darwin

package platform

import (
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// NewClipboardMonitor returns the macOS clipboard monitor. NSPasteboard
// exposes no push notification outside of an AppKit run loop, so this
// platform always samples through the adaptive polling ladder, reading
// the general pasteboard with pbpaste.
func NewClipboardMonitor(ladder *Ladder, logger *zap.Logger) Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewPollingMonitor(readPasteboard, ladder, logger)
}

func readPasteboard() ([]byte, error) {
	out, err := exec.Command("pbpaste").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read pasteboard: %w", err)
	}
	return out, nil
}
