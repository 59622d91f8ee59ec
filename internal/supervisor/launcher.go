// Package supervisor launches the external runtime as a child process, waits
// for it to become ready, watches it and restarts it after unexpected exits.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// outputDrainTimeout bounds how long output readers may run after the child
// exits. A grandchild holding the pipes open would otherwise keep them alive.
const outputDrainTimeout = 2 * time.Second

// SpawnSpec describes the child to start.
type SpawnSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Process is a started child.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the child exits. It is called exactly once.
	Wait() error
	// Terminate asks the child and its process group to exit.
	Terminate() error
	// Kill forcibly ends the child and its process group.
	Kill() error
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner starts real OS processes.
type ExecSpawner struct{}

// Spawn starts spec in its own process group with stdout and stderr piped back.
func (ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	// exec.Command, not CommandContext: shutdown is driven by Stop, and
	// CommandContext would SIGKILL on cancellation.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = buildSysProcAttr()

	// Own the pipes so Wait does not close the read ends under the readers.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}
	closeAll(outW, errW)

	return &execProcess{cmd: cmd, stdout: outR, stderr: errR}, nil
}

type execProcess struct {
	cmd       *exec.Cmd
	stdout    *os.File
	stderr    *os.File
	closeOnce sync.Once
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	time.AfterFunc(outputDrainTimeout, func() {
		p.closeOnce.Do(func() { closeAll(p.stdout, p.stderr) })
	})
	return err
}

func (p *execProcess) Terminate() error {
	return gracefulStop(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	return forceKill(p.cmd.Process)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
