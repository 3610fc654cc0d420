//go:build windows

package submitter

import "syscall"

// buildSysProcAttr detaches the owner via CREATE_NEW_PROCESS_GROUP, the
// Windows equivalent of Setpgid used on unix.
func buildSysProcAttr() *syscall.SysProcAttr {
	const createNewProcessGroup = 0x00000200
	return &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
