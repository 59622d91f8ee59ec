package procinfo

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_SelfCommandLine(t *testing.T) {
	s := NewSystem()
	ctx := context.Background()

	cmdline, err := s.CommandLine(ctx, os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, cmdline)

	alive, err := s.Exists(ctx, os.Getpid())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestSystem_InvalidPid(t *testing.T) {
	s := NewSystem()
	ctx := context.Background()

	_, err := s.CommandLine(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	alive, err := s.Exists(ctx, -1)
	require.NoError(t, err)
	assert.False(t, alive)

	assert.NoError(t, s.Terminate(ctx, 0, true))
}

func TestSystem_TerminateChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep(1)")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	s := NewSystem()
	ctx := context.Background()

	cmdline, err := s.CommandLine(ctx, cmd.Process.Pid)
	require.NoError(t, err)
	assert.Contains(t, cmdline, "sleep 30")

	require.NoError(t, s.Terminate(ctx, cmd.Process.Pid, false))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("child did not exit after terminate")
	}
}
