package logpipe

import (
	"sync"
	"time"
)

// Window is a fixed rate-limit window for one stream.
type Window struct {
	mu         sync.Mutex
	start      time.Time
	logged     int
	suppressed int

	size  time.Duration
	quota int
}

// NewWindow creates a window allowing quota lines per size.
func NewWindow(size time.Duration, quota int) *Window {
	return &Window{size: size, quota: quota}
}

// Roll starts a new window when the current one has expired and returns the
// number of lines suppressed in the expired window.
func (w *Window) Roll(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() {
		w.start = now
		return 0
	}
	if now.Sub(w.start) <= w.size {
		return 0
	}
	n := w.suppressed
	w.start = now
	w.logged = 0
	w.suppressed = 0
	return n
}

// Allow counts one limited line against the quota.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logged < w.quota {
		w.logged++
		return true
	}
	w.suppressed++
	return false
}

// Drain returns and clears the pending suppressed count.
func (w *Window) Drain() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.suppressed
	w.suppressed = 0
	return n
}

// Reset clears all counters.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = time.Time{}
	w.logged = 0
	w.suppressed = 0
}

// Counts returns the lines logged and suppressed in the current window.
func (w *Window) Counts() (logged, suppressed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logged, w.suppressed
}
