package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Static errors for lifecycle package
var (
	ErrStepFailed   = errors.New("composite step failed")
	ErrComponentNil = errors.New("component cannot be nil")
)

// StepError describes the required sub-step that aborted a composite step.
type StepError struct {
	Composite string
	Step      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %q failed: %v", e.Composite, e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrStepFailed, e.Err}
}

// Operation selects which Component method a component step calls.
type Operation string

const (
	OperationInitialize Operation = "Initialize"
	OperationStart      Operation = "Start"
	OperationStop       Operation = "Stop"

	// OperationRestart labels stop-initialize-start sequences. Component
	// steps never use it.
	OperationRestart Operation = "Restart"
)

type registeredStep struct {
	step     Step
	required bool
}

// CompositeStep executes an ordered list of steps. The first failing required
// step stops execution and is reported; steps already completed are not
// rolled back. Failing optional steps are reported to the monitor and skipped.
type CompositeStep struct {
	name  string
	steps []registeredStep
}

// NewCompositeStep creates an empty composite step.
func NewCompositeStep(name string) *CompositeStep {
	return &CompositeStep{name: name}
}

// Name returns the composite step name.
func (c *CompositeStep) Name() string {
	return c.name
}

// Len returns the number of registered steps.
func (c *CompositeStep) Len() int {
	return len(c.steps)
}

// AddStep appends a step. Required steps abort the composite on failure.
func (c *CompositeStep) AddStep(step Step, required bool) {
	c.steps = append(c.steps, registeredStep{step: step, required: required})
}

// AddInitializeStep appends a step that initializes component on behalf of owner.
func (c *CompositeStep) AddInitializeStep(owner string, component Component, required bool) error {
	return c.addComponentStep(owner, component, OperationInitialize, required)
}

// AddStartStep appends a step that starts component on behalf of owner.
func (c *CompositeStep) AddStartStep(owner string, component Component, required bool) error {
	return c.addComponentStep(owner, component, OperationStart, required)
}

// AddStopStep appends a step that stops component on behalf of owner. Stop
// steps are always required.
func (c *CompositeStep) AddStopStep(owner string, component Component) error {
	return c.addComponentStep(owner, component, OperationStop, true)
}

func (c *CompositeStep) addComponentStep(owner string, component Component, op Operation, required bool) error {
	if component == nil {
		return fmt.Errorf("%w: %s step for %s", ErrComponentNil, op, owner)
	}
	c.AddStep(&componentStep{owner: owner, component: component, op: op}, required)
	return nil
}

// Execute runs the steps in order, reporting progress to monitor (which may be nil).
func (c *CompositeStep) Execute(ctx context.Context, monitor ProgressMonitor) error {
	if monitor == nil {
		monitor = NopMonitor{}
	}
	total := len(c.steps)
	for i, rs := range c.steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Composite: c.name, Step: rs.step.Name(), Err: err}
		}

		monitor.StepStarted(ctx, c.name, rs.step.Name(), i, total)
		began := time.Now()
		err := rs.step.Execute(ctx)
		elapsed := time.Since(began)
		if err != nil {
			monitor.StepFailed(ctx, c.name, rs.step.Name(), elapsed, err, rs.required)
			if rs.required {
				return &StepError{Composite: c.name, Step: rs.step.Name(), Err: err}
			}
			continue
		}
		monitor.StepCompleted(ctx, c.name, rs.step.Name(), elapsed)
	}
	return nil
}

// componentStep calls one lifecycle operation on a component.
type componentStep struct {
	owner     string
	component Component
	op        Operation
}

func (s *componentStep) Name() string {
	return fmt.Sprintf("%s %s", s.op, s.component.Name())
}

func (s *componentStep) Execute(ctx context.Context) error {
	switch s.op {
	case OperationInitialize:
		return s.component.Initialize(ctx)
	case OperationStart:
		return s.component.Start(ctx)
	case OperationStop:
		return s.component.Stop(ctx)
	default:
		return fmt.Errorf("unsupported operation %q", s.op)
	}
}

// StepFunc adapts a function into a Step.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context) error
}

func (f StepFunc) Name() string { return f.StepName }

func (f StepFunc) Execute(ctx context.Context) error { return f.Fn(ctx) }
