//go:build windows
// +build windows

package ipc

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// ResolveEndpoint picks the daemon endpoint: DAEMON_URL when set,
// otherwise the conventional contextd named pipe.
func ResolveEndpoint() string {
	if url := os.Getenv("DAEMON_URL"); url != "" {
		return url
	}
	return `\\.\pipe\contextd`
}

// dialEndpoint opens the daemon's named pipe. A busy pipe (daemon
// momentarily serving another client) is retried briefly.
func dialEndpoint(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
	name, err := windows.UTF16PtrFromString(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid pipe name %q: %w", endpoint, err)
	}

	for {
		handle, err := windows.CreateFile(name,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0, nil, windows.OPEN_EXISTING, 0, 0)
		if err == nil {
			return os.NewFile(uintptr(handle), endpoint), nil
		}
		if err != windows.ERROR_PIPE_BUSY {
			return nil, fmt.Errorf("failed to open pipe %s: %w", endpoint, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
