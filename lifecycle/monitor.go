package lifecycle

import (
	"context"
	"sync"
	"time"
)

// NopMonitor discards all progress reports.
type NopMonitor struct{}

func (NopMonitor) StepStarted(context.Context, string, string, int, int) {}
func (NopMonitor) StepCompleted(context.Context, string, string, time.Duration) {}
func (NopMonitor) StepFailed(context.Context, string, string, time.Duration, error, bool) {}

// RecordingMonitor keeps every progress report in memory. It is safe for
// concurrent use.
type RecordingMonitor struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingMonitor creates an empty recording monitor.
func NewRecordingMonitor() *RecordingMonitor {
	return &RecordingMonitor{}
}

func (m *RecordingMonitor) StepStarted(_ context.Context, composite, step string, index, total int) {
	m.record(Event{Composite: composite, Step: step, Index: index, Total: total, Status: EventStatusStarted})
}

func (m *RecordingMonitor) StepCompleted(_ context.Context, composite, step string, duration time.Duration) {
	m.record(Event{Composite: composite, Step: step, Status: EventStatusCompleted, Duration: duration})
}

func (m *RecordingMonitor) StepFailed(_ context.Context, composite, step string, duration time.Duration, err error, required bool) {
	status := EventStatusFailed
	if !required {
		status = EventStatusSkipped
	}
	ev := Event{Composite: composite, Step: step, Status: status, Duration: duration, Required: required}
	if err != nil {
		ev.Error = err.Error()
	}
	m.record(ev)
}

func (m *RecordingMonitor) record(ev Event) {
	ev.Timestamp = time.Now()
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events in arrival order.
func (m *RecordingMonitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// MultiMonitor fans progress reports out to several monitors.
type MultiMonitor []ProgressMonitor

func (mm MultiMonitor) StepStarted(ctx context.Context, composite, step string, index, total int) {
	for _, m := range mm {
		m.StepStarted(ctx, composite, step, index, total)
	}
}

func (mm MultiMonitor) StepCompleted(ctx context.Context, composite, step string, duration time.Duration) {
	for _, m := range mm {
		m.StepCompleted(ctx, composite, step, duration)
	}
}

func (mm MultiMonitor) StepFailed(ctx context.Context, composite, step string, duration time.Duration, err error, required bool) {
	for _, m := range mm {
		m.StepFailed(ctx, composite, step, duration, err, required)
	}
}
