package tenanthost

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/tenanthost/initializer"
	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// LifecycleHooks are optional functions run at fixed points of the
// microservice lifecycle. Nil functions are skipped.
type LifecycleHooks struct {
	Initialize func(ctx context.Context) error
	Start      func(ctx context.Context) error
	Stop       func(ctx context.Context) error
}

func runHook(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// Option configures a MultitenantMicroservice.
type Option func(*MultitenantMicroservice) error

// WithLogger sets the logger used by the microservice and its manager.
func WithLogger(logger Logger) Option {
	return func(s *MultitenantMicroservice) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithConfigurationCache sets the cache gating configuration dispatch.
func WithConfigurationCache(cache ConfigurationCache) Option {
	return func(s *MultitenantMicroservice) error {
		s.cache = cache
		return nil
	}
}

// WithBaseLifecycle sets the process-level setup run before anything else
// in each lifecycle operation.
func WithBaseLifecycle(base LifecycleHooks) Option {
	return func(s *MultitenantMicroservice) error {
		s.base = base
		return nil
	}
}

// WithHooks sets the service-specific hooks. Initialize and Start hooks run
// after the manager; the Stop hook runs before it so it can still reach live
// tenant engines.
func WithHooks(hooks LifecycleHooks) Option {
	return func(s *MultitenantMicroservice) error {
		s.hooks = hooks
		return nil
	}
}

// WithConfigurationRestarter replaces the default InstanceConfiguration as
// the target of global configuration reloads.
func WithConfigurationRestarter(r ConfigurationRestarter) Option {
	return func(s *MultitenantMicroservice) error {
		if r == nil {
			return fmt.Errorf("configuration restarter cannot be nil")
		}
		s.restarter = r
		return nil
	}
}

// WithDataInitializer sets the initializer run once per tenant engine.
func WithDataInitializer(di initializer.DataInitializer) Option {
	return func(s *MultitenantMicroservice) error {
		s.managerOpts = append(s.managerOpts, WithManagerDataInitializer(di))
		return nil
	}
}

// WithParallelism bounds concurrent per-tenant lifecycle operations.
func WithParallelism(n int) Option {
	return func(s *MultitenantMicroservice) error {
		s.managerOpts = append(s.managerOpts, WithManagerParallelism(n))
		return nil
	}
}

// WithMetrics sets the Prometheus metrics updated by the host.
func WithMetrics(metrics *Metrics) Option {
	return func(s *MultitenantMicroservice) error {
		s.metrics = metrics
		return nil
	}
}

// WithSubject sets the subject notified of host events.
func WithSubject(subject Subject) Option {
	return func(s *MultitenantMicroservice) error {
		s.subject = subject
		return nil
	}
}

// WithProgressMonitor adds a monitor for composite lifecycle steps. Steps are
// always logged.
func WithProgressMonitor(monitor lifecycle.ProgressMonitor) Option {
	return func(s *MultitenantMicroservice) error {
		if monitor != nil {
			s.monitors = append(s.monitors, monitor)
		}
		return nil
	}
}

// WithConfigurationReadyTimeout bounds the wait for the configuration cache
// during Initialize.
func WithConfigurationReadyTimeout(d time.Duration) Option {
	return func(s *MultitenantMicroservice) error {
		if d <= 0 {
			return fmt.Errorf("configuration ready timeout must be positive, got %s", d)
		}
		s.readyTimeout = d
		return nil
	}
}

// WithRecoverySchedule restarts FAILED tenant engines on a cron schedule
// while the microservice is started. An empty schedule disables recovery.
func WithRecoverySchedule(schedule string) Option {
	return func(s *MultitenantMicroservice) error {
		s.recoverySchedule = schedule
		return nil
	}
}
