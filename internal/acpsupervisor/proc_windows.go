//go:build windows

package acpsupervisor

import (
	"os"
	"os/exec"
)

// terminateProcess has no POSIX-signal equivalent on Windows; Kill is the
// only graceful-ish option available through os.Process, so Close's grace
// period is what actually bounds shutdown time here.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// exitSignal is always empty on Windows: there is no signal to report.
func exitSignal(exitErr *exec.ExitError) string {
	return ""
}
