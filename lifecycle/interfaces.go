// Package lifecycle defines the lifecycle status model shared by tenant engines,
// the tenant engine manager and the microservice, together with the composite
// step executor used to sequence initialize/start/stop work.
package lifecycle

import (
	"context"
	"time"
)

// Status is the lifecycle state of a component.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusInitialized
	StatusStarting
	StatusStarted
	StatusStopping
	StatusStopped
	StatusFailed
)

// String returns the canonical upper-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusInitializing:
		return "INITIALIZING"
	case StatusInitialized:
		return "INITIALIZED"
	case StatusStarting:
		return "STARTING"
	case StatusStarted:
		return "STARTED"
	case StatusStopping:
		return "STOPPING"
	case StatusStopped:
		return "STOPPED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// InProgress reports whether the status is a transitional one.
func (s Status) InProgress() bool {
	return s == StatusInitializing || s == StatusStarting || s == StatusStopping
}

// Component is anything that can be driven through initialize, start and stop.
type Component interface {
	// Name identifies the component in logs and step names.
	Name() string

	// Initialize prepares the component. It is called before Start.
	Initialize(ctx context.Context) error

	// Start begins runtime operation.
	Start(ctx context.Context) error

	// Stop shuts the component down. It may be retried by the caller.
	Stop(ctx context.Context) error
}

// Step is a single named unit of work inside a composite step.
type Step interface {
	// Name is a human readable description such as "Initialize tenant engine manager".
	Name() string

	// Execute runs the unit of work.
	Execute(ctx context.Context) error
}

// ProgressMonitor receives progress reports while a composite step executes.
type ProgressMonitor interface {
	// StepStarted is called before a sub-step runs.
	StepStarted(ctx context.Context, composite string, step string, index, total int)

	// StepCompleted is called after a sub-step returns without error.
	StepCompleted(ctx context.Context, composite string, step string, duration time.Duration)

	// StepFailed is called after a sub-step returns an error. Required reports
	// whether the failure aborts the composite step.
	StepFailed(ctx context.Context, composite string, step string, duration time.Duration, err error, required bool)
}

// Event is a recorded progress report.
type Event struct {
	Composite string        `json:"composite"`
	Step      string        `json:"step"`
	Index     int           `json:"index"`
	Total     int           `json:"total"`
	Status    EventStatus   `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
	Required  bool          `json:"required"`
}

// EventStatus is the outcome carried by an Event.
type EventStatus string

const (
	EventStatusStarted   EventStatus = "started"
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
	EventStatusSkipped   EventStatus = "skipped"
)
