//go:build windows

package owner

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// listen binds a named pipe at path (a \\.\pipe\acpx-<key> name derived by
// internal/ipcsession/lease); go-winio applies a security descriptor
// restricting access to the owning user, the closest Windows equivalent to
// the unix side's 0600 socket permissions.
func listen(path string) (net.Listener, error) {
	cfg := &winio.PipeConfig{SecurityDescriptor: "D:P(A;;GA;;;OW)"}
	l, err := winio.ListenPipe(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("listening on pipe %s: %w", path, err)
	}
	return l, nil
}
