//go:build !windows

package owner

import (
	"fmt"
	"net"
	"os"
)

// listen binds the unix-domain socket at path, matching the teacher's
// daemon.Run: remove any stale socket file first (TryAcquire already did a
// best-effort removal, but a reaped-stale socket from a race can still
// exist) and tighten permissions to 0600 after bind.
func listen(path string) (net.Listener, error) {
	os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return l, nil
}
