//go:build !windows

package terminal

import (
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY allocates a pseudo-terminal, starts cmd attached to it, and
// copies its output into w until the master is closed. The returned waitFn
// is always nil here: pty.Start starts cmd via the ordinary os/exec path, so
// the caller's cmd.Wait() observes its exit directly.
func startPTY(cmd *exec.Cmd, w io.Writer) (closeFn func() error, waitFn func() (uint32, error), err error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	go io.Copy(w, f)
	return f.Close, nil, nil
}
