//go:build linux

package supervisor

import "syscall"

// buildSysProcAttr puts the child in its own process group so the whole tree
// can be signalled together. Pdeathsig makes the kernel send SIGTERM to the
// child if this process dies without calling Stop.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
