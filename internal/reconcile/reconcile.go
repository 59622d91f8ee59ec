// Package reconcile finds and removes a runtime left running by a previous
// host run, using the persisted pid marker.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/pidfile"
	"github.com/kandev/runtimed/internal/procinfo"
)

// Outcome describes what reconciliation found.
type Outcome int

const (
	// OutcomeNone means there was no marker.
	OutcomeNone Outcome = iota
	// OutcomeActive means the marker names the child this supervisor owns.
	OutcomeActive
	// OutcomeGone means the recorded process no longer exists.
	OutcomeGone
	// OutcomeUnrelated means the pid was reused by another program.
	OutcomeUnrelated
	// OutcomeTerminated means a stale runtime was found and stopped.
	OutcomeTerminated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeActive:
		return "active"
	case OutcomeGone:
		return "gone"
	case OutcomeUnrelated:
		return "unrelated"
	case OutcomeTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultGracePeriod  = 3 * time.Second
	defaultKillWait     = 2 * time.Second
)

// Reconciler inspects the process named by the pid marker.
type Reconciler struct {
	marker    *pidfile.Marker
	inspector procinfo.Inspector
	entryPath string
	logger    *logger.Logger

	pollInterval time.Duration
	gracePeriod  time.Duration
	killWait     time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTimings overrides the poll interval, the graceful wait and the wait after a forced kill.
func WithTimings(poll, grace, killWait time.Duration) Option {
	return func(r *Reconciler) {
		r.pollInterval = poll
		r.gracePeriod = grace
		r.killWait = killWait
	}
}

// New creates a reconciler. entryPath is the script a genuine runtime was launched with.
func New(marker *pidfile.Marker, inspector procinfo.Inspector, entryPath string, log *logger.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = logger.Nop()
	}
	r := &Reconciler{
		marker:       marker,
		inspector:    inspector,
		entryPath:    entryPath,
		logger:       log.WithComponent("reconciler"),
		pollInterval: defaultPollInterval,
		gracePeriod:  defaultGracePeriod,
		killWait:     defaultKillWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile checks the marker against the live process table. activePID is
// the pid of the child currently owned by the caller, or 0.
//
// A process is only ever signalled when its command line contains the entry
// script. When inspection fails for any reason other than the process being
// gone, nothing is killed, the marker is kept and the error is returned.
func (r *Reconciler) Reconcile(ctx context.Context, activePID int) (Outcome, error) {
	pid, ok, err := r.marker.Read()
	if err != nil {
		return OutcomeNone, fmt.Errorf("read pid marker: %w", err)
	}
	if !ok {
		// A garbage marker names nothing; drop it.
		_ = r.marker.Clear()
		return OutcomeNone, nil
	}
	if activePID > 0 && pid == activePID {
		return OutcomeActive, nil
	}

	log := r.logger.WithPID(pid)

	cmdline, err := r.inspector.CommandLine(ctx, pid)
	if errors.Is(err, procinfo.ErrNotFound) || (err == nil && strings.TrimSpace(cmdline) == "") {
		log.Debug("stale pid marker names no live process")
		return OutcomeGone, r.marker.Clear()
	}
	if err != nil {
		return OutcomeNone, fmt.Errorf("inspect pid %d: %w", pid, err)
	}

	if !MatchesEntry(cmdline, r.entryPath) {
		log.Info("pid from marker belongs to an unrelated process, leaving it alone",
			zap.String("cmdline", cmdline))
		return OutcomeUnrelated, r.marker.Clear()
	}

	log.Warn("stale runtime from a previous run found, terminating")
	termErr := r.terminate(ctx, pid)
	if err := r.marker.Clear(); err != nil && termErr == nil {
		termErr = err
	}
	return OutcomeTerminated, termErr
}

func (r *Reconciler) terminate(ctx context.Context, pid int) error {
	if err := r.inspector.Terminate(ctx, pid, false); err != nil {
		r.logger.Debug("graceful terminate failed", zap.Int("pid", pid), zap.Error(err))
	}
	if r.waitGone(ctx, pid, r.gracePeriod) {
		return nil
	}

	r.logger.Warn("stale runtime ignored graceful terminate, killing", zap.Int("pid", pid))
	if err := r.inspector.Terminate(ctx, pid, true); err != nil {
		r.logger.Debug("forced kill failed", zap.Int("pid", pid), zap.Error(err))
	}
	if r.waitGone(ctx, pid, r.killWait) {
		return nil
	}
	return fmt.Errorf("stale runtime %d still alive after kill", pid)
}

// waitGone polls until pid is gone or timeout elapses.
func (r *Reconciler) waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if alive, err := r.inspector.Exists(ctx, pid); err == nil && !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// MatchesEntry reports whether cmdline mentions entryPath, ignoring case and
// path separator style.
func MatchesEntry(cmdline, entryPath string) bool {
	if entryPath == "" {
		return false
	}
	return strings.Contains(normalizePath(cmdline), normalizePath(entryPath))
}

func normalizePath(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, `\`, "/"))
}
