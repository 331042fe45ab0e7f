// Package events provides event subjects and payload helpers for the
// runfleet event system.
package events

// Subjects for run lifecycle events.
const (
	RunCreated   = "run.created"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
	RunStopped   = "run.stopped"
)

// Subjects for session lifecycle events.
const (
	SessionRunning = "session.running"
	SessionEvent   = "session.event"
	SessionDeleted = "session.deleted"
)

// Subjects for runner lifecycle events.
const (
	RunnerRegistered   = "runner.registered"
	RunnerDeregistered = "runner.deregistered"
	RunnerLost         = "runner.lost"
)

// AllLifecycle is the wildcard pattern matching every lifecycle subject.
const AllLifecycle = ">"
