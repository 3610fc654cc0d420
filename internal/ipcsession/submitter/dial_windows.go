//go:build windows

package submitter

import (
	"context"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

func dialOnce(path string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return winio.DialPipeContext(ctx, path)
}
