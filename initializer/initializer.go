// Package initializer defines the data initializer capability that seeds a
// tenant engine's data the first time the engine becomes ready, together with
// a declarative YAML script implementation.
package initializer

import (
	"context"
	"errors"
	"fmt"
)

// Binding keys supplied by the tenant engine manager.
const (
	BindingLogger   = "logger"
	BindingTenantID = "tenantId"
	BindingBuilder  = "builder"
)

// Static errors for the initializer package
var (
	ErrScriptAccess   = errors.New("unable to access initializer script")
	ErrScriptRun      = errors.New("unable to run initializer script")
	ErrBindingMissing = errors.New("binding not present")
	ErrBindingType    = errors.New("binding has unexpected type")
)

// Binding is the set of named objects handed to an initializer.
type Binding map[string]any

// Lookup returns the binding stored under name as T.
func Lookup[T any](b Binding, name string) (T, error) {
	var zero T
	v, ok := b[name]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrBindingMissing, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrBindingType, name, v)
	}
	return t, nil
}

// DataInitializer seeds tenant data. It is invoked at most once per tenant
// engine after the engine's first successful start; an error leaves the
// engine FAILED and the initializer is retried on the next start.
type DataInitializer interface {
	Initialize(ctx context.Context, binding Binding) error
}

// Toggle is implemented by initializers that can be switched off. Disabled
// initializers are skipped.
type Toggle interface {
	Enabled() bool
}

// Func adapts a function to DataInitializer.
type Func func(ctx context.Context, binding Binding) error

func (f Func) Initialize(ctx context.Context, binding Binding) error {
	return f(ctx, binding)
}

// IsEnabled reports whether di should run.
func IsEnabled(di DataInitializer) bool {
	if di == nil {
		return false
	}
	if t, ok := di.(Toggle); ok {
		return t.Enabled()
	}
	return true
}
