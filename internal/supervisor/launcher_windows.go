//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
)

// gracefulStop sends an interrupt to the child. Windows cannot deliver
// os.Interrupt to another process, so this falls back to ending the tree.
func gracefulStop(proc *os.Process) error {
	if err := proc.Signal(os.Interrupt); err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(proc.Pid)).Run()
}

// forceKill terminates the child and every descendant.
func forceKill(proc *os.Process) error {
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(proc.Pid)).Run(); err != nil {
		if kerr := proc.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return kerr
		}
	}
	return nil
}
