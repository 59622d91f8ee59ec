package bus

// SubjectPrefix is prepended to every event type to form its subject.
const SubjectPrefix = "runtimed.events."

// AllEvents matches every runtimed event subject.
const AllEvents = SubjectPrefix + ">"

// Event types published by runtimed.
const (
	TypeStateChanged      = "runtime.state_changed"
	TypeRestartScheduled  = "runtime.restart_scheduled"
	TypeRestartsExhausted = "runtime.restart_exhausted"
	TypeSyncCompleted     = "runtime.sync_completed"
	TypeSyncFailed        = "runtime.sync_failed"
)

// Subject returns the subject an event of the given type is published on.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}
