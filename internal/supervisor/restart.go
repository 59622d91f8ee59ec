package supervisor

import (
	"time"
)

// timer is the part of *time.Timer the restart policy needs.
type timer interface {
	Stop() bool
}

// afterFunc schedules f after d. Tests substitute a manual clock.
type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

type restartDecision int

const (
	restartOff restartDecision = iota
	restartScheduled
	restartExhausted
)

// restartPolicy tracks consecutive unexpected exits. Guarded by Supervisor.mu.
type restartPolicy struct {
	enabled  bool
	max      int
	attempts int
	disabled bool
	pending  timer
}

// next records an unexpected exit and decides what to do about it.
// The delay doubles per attempt: 1s, 2s, 4s, ...
func (p *restartPolicy) next() (restartDecision, time.Duration) {
	if !p.enabled || p.disabled {
		return restartOff, 0
	}
	if p.attempts >= p.max {
		p.disabled = true
		return restartExhausted, 0
	}
	p.attempts++
	return restartScheduled, time.Duration(1<<(p.attempts-1)) * time.Second
}

// succeeded resets the counter after a health-confirmed start.
func (p *restartPolicy) succeeded() {
	p.attempts = 0
}

// rearm re-enables a policy that hit its ceiling. Explicit host starts call it.
func (p *restartPolicy) rearm() {
	if p.disabled {
		p.disabled = false
		p.attempts = 0
	}
}

func (p *restartPolicy) cancel() {
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}
