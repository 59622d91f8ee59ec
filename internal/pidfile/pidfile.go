// Package pidfile persists the pid of the last spawned runtime so a later
// host run can find and reconcile it.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/kandev/runtimed/internal/common/fsutil"
)

// Marker is a pid file guarded by an advisory lock file beside it.
// The marker exists only while a child may still be running.
type Marker struct {
	path string
	mu   sync.Mutex // flock does not exclude goroutines sharing one handle
	lock *flock.Flock
}

// New returns a marker at path. The lock lives at path + ".lock".
func New(path string) *Marker {
	return &Marker{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the marker file path.
func (m *Marker) Path() string {
	return m.path
}

// Write atomically records pid.
func (m *Marker) Write(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return m.withLock(func() error {
		return fsutil.WriteFileAtomic(m.path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
	})
}

// Read returns the recorded pid. ok is false when there is no marker or its
// content is not a positive integer.
func (m *Marker) Read() (pid int, ok bool, err error) {
	err = m.withLock(func() error {
		b, rerr := os.ReadFile(m.path)
		if errors.Is(rerr, os.ErrNotExist) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
		n, perr := strconv.Atoi(strings.TrimSpace(string(b)))
		if perr != nil || n <= 0 {
			return nil
		}
		pid, ok = n, true
		return nil
	})
	return pid, ok, err
}

// Clear removes the marker.
func (m *Marker) Clear() error {
	return m.withLock(m.remove)
}

// ClearIf removes the marker only if it still names pid.
// Reports whether it was removed.
func (m *Marker) ClearIf(pid int) (bool, error) {
	removed := false
	err := m.withLock(func() error {
		b, err := os.ReadFile(m.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if n, perr := strconv.Atoi(strings.TrimSpace(string(b))); perr != nil || n != pid {
			return nil
		}
		removed = true
		return m.remove()
	})
	return removed, err
}

func (m *Marker) remove() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (m *Marker) withLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", m.lock.Path(), err)
	}
	defer func() { _ = m.lock.Unlock() }()
	return fn()
}
