//go:build !windows
// +build !windows

package ipc

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ResolveEndpoint picks the daemon endpoint: DAEMON_URL when set,
// otherwise the conventional socket under the user runtime directory.
func ResolveEndpoint() string {
	if url := os.Getenv("DAEMON_URL"); url != "" {
		return strings.TrimPrefix(url, "unix://")
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "contextd.sock")
	}
	return "/tmp/contextd.sock"
}

func dialEndpoint(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
}
