//go:build windows

package supervisor

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	// CREATE_NEW_PROCESS_GROUP so Ctrl+C in the host console does not reach the child directly
	return &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
