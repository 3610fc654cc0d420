//go:build !windows

package submitter

import "syscall"

// buildSysProcAttr detaches the owner into its own process group so
// signals to the submitter's controlling terminal (e.g. Ctrl+C) don't
// propagate to it, matching the teacher's launcher.buildSysProcAttr.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
