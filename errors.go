package tenanthost

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// Host errors
var (
	// Path resolution errors
	ErrPathResolution    = errors.New("unable to resolve tenant path")
	ErrInvalidPathLayout = errors.New("invalid configuration path layout")

	// Tenant engine errors
	ErrTenantEngineNotFound     = errors.New("tenant engine not found")
	ErrTenantEngineNotAvailable = errors.New("tenant engine not available")
	ErrTenantEngineFactoryNil   = errors.New("tenant engine factory is nil")
	ErrTenantEngineNil          = errors.New("tenant engine factory returned nil engine")
	ErrManagerNotAccepting      = errors.New("tenant engine manager is not accepting requests")
	ErrDataInitialization       = errors.New("tenant data initialization failed")

	// Lifecycle errors
	ErrLifecycleTransition = errors.New("lifecycle transition failed")
	ErrInvalidTransition   = errors.New("invalid lifecycle transition")

	// Configuration errors
	ErrConfigurationDispatch = errors.New("configuration dispatch failed")
	ErrConfigurationNotReady = errors.New("configuration cache did not become ready")
	ErrConfigurationCacheNil = errors.New("configuration cache is nil")
	ErrGlobalConfigMissing   = errors.New("global configuration not present in cache")
)

// PathResolutionError reports a path that lies under the tenant subtree but
// cannot be decomposed into a tenant id and relative path.
type PathResolutionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PathResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %q: %s: %v", ErrPathResolution, e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %q: %s", ErrPathResolution, e.Path, e.Reason)
}

func (e *PathResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPathResolution}
	}
	return []error{ErrPathResolution, e.Err}
}

// TenantEngineNotAvailableError is returned when a caller asks for an engine
// that is unknown or not STARTED. Callers are expected to retry with backoff.
type TenantEngineNotAvailableError struct {
	TenantID TenantID
	Known    bool
	Status   lifecycle.Status
}

func (e *TenantEngineNotAvailableError) Error() string {
	if !e.Known {
		return fmt.Sprintf("%s: %s (unknown tenant)", ErrTenantEngineNotAvailable, e.TenantID)
	}
	return fmt.Sprintf("%s: %s (status %s)", ErrTenantEngineNotAvailable, e.TenantID, e.Status)
}

func (e *TenantEngineNotAvailableError) Unwrap() error {
	return ErrTenantEngineNotAvailable
}

// LifecycleTransitionError aggregates the per-tenant failures of one manager
// or microservice lifecycle operation.
type LifecycleTransitionError struct {
	Component string
	Operation lifecycle.Operation
	Failures  map[TenantID]error
	Err       error
}

func (e *LifecycleTransitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s %s", ErrLifecycleTransition, strings.ToLower(string(e.Operation)), e.Component)
	if len(e.Failures) > 0 {
		ids := make([]string, 0, len(e.Failures))
		for _, id := range sortedKeys(e.Failures) {
			ids = append(ids, id.String())
		}
		fmt.Fprintf(&b, ": %d tenant(s) failed [%s]", len(ids), strings.Join(ids, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *LifecycleTransitionError) Unwrap() []error {
	errs := []error{ErrLifecycleTransition}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// FailedTenants returns the ids of the tenants that failed, sorted.
func (e *LifecycleTransitionError) FailedTenants() []TenantID {
	return sortedKeys(e.Failures)
}

// newLifecycleTransitionError returns nil when there are no failures.
func newLifecycleTransitionError(component string, op lifecycle.Operation, failures map[TenantID]error) error {
	if len(failures) == 0 {
		return nil
	}
	var combined error
	for _, id := range sortedKeys(failures) {
		combined = multierr.Append(combined, fmt.Errorf("tenant %s: %w", id, failures[id]))
	}
	return &LifecycleTransitionError{
		Component: component,
		Operation: op,
		Failures:  failures,
		Err:       combined,
	}
}

func sortedKeys(m map[TenantID]error) []TenantID {
	ids := make([]TenantID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ConfigurationDispatchError wraps any failure while processing one
// configuration notification. It is logged at the microservice boundary and
// never returned to the notification source.
type ConfigurationDispatchError struct {
	Operation ConfigurationEventKind
	Path      string
	Err       error
}

func (e *ConfigurationDispatchError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", ErrConfigurationDispatch, e.Operation, e.Path, e.Err)
}

func (e *ConfigurationDispatchError) Unwrap() []error {
	return []error{ErrConfigurationDispatch, e.Err}
}
