// Package metrics records runtime supervisor metrics.
package metrics

import "time"

// Collector receives supervisor, sync and log pipeline measurements.
// Implementations must be safe for concurrent use.
type Collector interface {
	// StateTransition records a lifecycle transition.
	StateTransition(from, to string)
	// RestartScheduled records an automatic relaunch and its delay.
	RestartScheduled(attempt int, delay time.Duration)
	// RestartsExhausted records that the restart ceiling was hit.
	RestartsExhausted()
	// HealthWait records how long a start waited for readiness.
	HealthWait(d time.Duration, ready bool)
	// LinesSuppressed records rate-limited child output lines.
	LinesSuppressed(stream string, n int)
	// SyncFile records the outcome for one distribution file: updated, up_to_date or failed.
	SyncFile(file, outcome string)
	// SyncDuration records a whole sync run.
	SyncDuration(d time.Duration, err error)
	// Reconciled records the outcome of stale-instance reconciliation.
	Reconciled(outcome string)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) StateTransition(string, string) {}
func (Nop) RestartScheduled(int, time.Duration) {}
func (Nop) RestartsExhausted() {}
func (Nop) HealthWait(time.Duration, bool) {}
func (Nop) LinesSuppressed(string, int) {}
func (Nop) SyncFile(string, string) {}
func (Nop) SyncDuration(time.Duration, error) {}
func (Nop) Reconciled(string) {}

var _ Collector = Nop{}
