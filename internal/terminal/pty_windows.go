//go:build windows

package terminal

import (
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

// startPTY allocates a Windows pseudo-console for cmd via conpty, which
// manages the child process itself rather than through os/exec — so the
// returned waitFn replaces cmd.Wait() for exit observation (cmd.Process
// stays nil on this path; callers must guard for that, as Kill/Release
// already do).
func startPTY(cmd *exec.Cmd, w io.Writer) (closeFn func() error, waitFn func() (uint32, error), err error) {
	commandLine := strings.Join(append([]string{cmd.Path}, cmd.Args[1:]...), " ")
	cpty, err := conpty.Start(commandLine)
	if err != nil {
		return nil, nil, err
	}
	go io.Copy(w, cpty)
	wait := func() (uint32, error) {
		return cpty.Wait(context.Background())
	}
	return cpty.Close, wait, nil
}
