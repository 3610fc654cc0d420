//go:build !windows

package submitter

import (
	"net"
	"time"
)

func dialOnce(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}
