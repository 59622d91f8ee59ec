// Package procinfo inspects and signals OS processes by pid.
package procinfo

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotFound is returned when no process has the requested pid.
var ErrNotFound = errors.New("process not found")

// Inspector is the OS boundary used by stale-instance reconciliation.
type Inspector interface {
	// CommandLine returns the full command line of pid, or ErrNotFound.
	CommandLine(ctx context.Context, pid int) (string, error)
	// Exists reports whether pid is alive.
	Exists(ctx context.Context, pid int) (bool, error)
	// Terminate signals pid and all its descendants, children first.
	// force selects a kill instead of a graceful termination request.
	Terminate(ctx context.Context, pid int, force bool) error
}

// System implements Inspector with gopsutil.
type System struct{}

// NewSystem returns the gopsutil-backed inspector.
func NewSystem() *System {
	return &System{}
}

var _ Inspector = (*System)(nil)

// CommandLine returns the command line of pid.
func (s *System) CommandLine(ctx context.Context, pid int) (string, error) {
	p, err := s.open(ctx, pid)
	if err != nil {
		return "", err
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil {
		if alive, _ := process.PidExistsWithContext(ctx, int32(pid)); !alive {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read command line of %d: %w", pid, err)
	}
	return cmdline, nil
}

// Exists reports whether pid is alive.
func (s *System) Exists(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Terminate signals the tree rooted at pid, deepest descendants first.
// Processes that exit mid-walk are ignored.
func (s *System) Terminate(ctx context.Context, pid int, force bool) error {
	root, err := s.open(ctx, pid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	var tree []*process.Process
	collectTree(ctx, root, &tree, 0)

	var firstErr error
	for i := len(tree) - 1; i >= 0; i-- {
		p := tree[i]
		if force {
			err = p.KillWithContext(ctx)
		} else {
			err = p.TerminateWithContext(ctx)
		}
		if err == nil {
			continue
		}
		if alive, _ := p.IsRunningWithContext(ctx); !alive {
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("signal %d: %w", p.Pid, err)
		}
	}
	return firstErr
}

const maxTreeDepth = 32

// collectTree appends p and then its descendants in pre-order.
func collectTree(ctx context.Context, p *process.Process, out *[]*process.Process, depth int) {
	*out = append(*out, p)
	if depth >= maxTreeDepth {
		return
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return
	}
	for _, c := range children {
		collectTree(ctx, c, out, depth+1)
	}
}

func (s *System) open(ctx context.Context, pid int) (*process.Process, error) {
	if pid <= 0 {
		return nil, ErrNotFound
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return p, nil
}
