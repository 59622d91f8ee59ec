//go:build !windows

package supervisor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// gracefulStop sends SIGTERM to the child's process group.
// The child starts with Setpgid, so its pid is also its group id.
func gracefulStop(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		// Fallback: signal the single process if the group is gone
		return ignoreDone(proc.Signal(unix.SIGTERM))
	}
	return nil
}

// forceKill sends SIGKILL to the entire process group, taking down workers
// the runtime spawned that did not create their own groups.
func forceKill(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return ignoreDone(proc.Kill())
	}
	return nil
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
