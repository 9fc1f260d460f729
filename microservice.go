package tenanthost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// MultitenantMicroservice is the top-level orchestrator of a host process.
// It owns one TenantEngineManager, drives the process lifecycle and is the
// single entry point for configuration change notifications.
type MultitenantMicroservice struct {
	name             string
	layout           PathLayout
	logger           Logger
	cache            ConfigurationCache
	restarter        ConfigurationRestarter
	instance         *InstanceConfiguration
	base             LifecycleHooks
	hooks            LifecycleHooks
	monitors         []lifecycle.ProgressMonitor
	subject          Subject
	metrics          *Metrics
	readyTimeout     time.Duration
	recoverySchedule string
	recovery         *FailedEngineRecovery
	managerOpts      []ManagerOption

	manager *TenantEngineManager
	status  *atomic.Int32

	// lifecycleMu serializes Initialize, Start and Stop.
	lifecycleMu sync.Mutex
	// globalMu serializes global configuration reloads.
	globalMu sync.Mutex
}

// NewMultitenantMicroservice creates a microservice whose engines are built
// by factory. A configuration cache is required.
func NewMultitenantMicroservice(name string, layout PathLayout, factory TenantEngineFactory, opts ...Option) (*MultitenantMicroservice, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	s := &MultitenantMicroservice{
		name:         name,
		layout:       layout,
		logger:       nopLogger{},
		readyTimeout: DefaultConfigurationReadyTimeout,
		status:       atomic.NewInt32(int32(lifecycle.StatusUninitialized)),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("configure %s: %w", name, err)
		}
	}
	if s.cache == nil {
		return nil, ErrConfigurationCacheNil
	}
	if s.restarter == nil {
		s.instance = NewInstanceConfiguration()
		s.restarter = s.instance
	}
	s.logger = withFields(s.logger, "microservice", name)

	managerOpts := append([]ManagerOption{
		WithManagerLogger(s.logger),
		WithManagerSubject(s.subject),
		WithManagerMetrics(s.metrics),
	}, s.managerOpts...)
	manager, err := NewTenantEngineManager(name+" tenant engines", factory, managerOpts...)
	if err != nil {
		return nil, err
	}
	s.manager = manager

	if s.recoverySchedule != "" {
		s.recovery, err = NewFailedEngineRecovery(s.recoverySchedule, manager, s.logger)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the microservice name.
func (s *MultitenantMicroservice) Name() string {
	return s.name
}

// Layout returns the configuration path layout.
func (s *MultitenantMicroservice) Layout() PathLayout {
	return s.layout
}

// Status returns the microservice lifecycle status.
func (s *MultitenantMicroservice) Status() lifecycle.Status {
	return lifecycle.Status(s.status.Load())
}

// Ready reports whether the microservice is STARTED.
func (s *MultitenantMicroservice) Ready() bool {
	return s.Status() == lifecycle.StatusStarted
}

// TenantEngineManager returns the manager owned by the microservice.
func (s *MultitenantMicroservice) TenantEngineManager() *TenantEngineManager {
	return s.manager
}

// InstanceConfiguration returns the process-level configuration, or nil when
// a custom restarter was supplied.
func (s *MultitenantMicroservice) InstanceConfiguration() *InstanceConfiguration {
	return s.instance
}

// GetTenantEngineByTenantId delegates to the manager.
func (s *MultitenantMicroservice) GetTenantEngineByTenantId(id TenantID) (TenantEngine, error) {
	return s.manager.GetTenantEngineByTenantId(id)
}

// AssureTenantEngineAvailable delegates to the manager.
func (s *MultitenantMicroservice) AssureTenantEngineAvailable(id TenantID) (TenantEngine, error) {
	return s.manager.AssureTenantEngineAvailable(id)
}

func (s *MultitenantMicroservice) setStatus(to lifecycle.Status) {
	from := lifecycle.Status(s.status.Swap(int32(to)))
	if from == to {
		return
	}
	s.logger.Debug("Microservice status changed", "from", from, "to", to)
	emitEvent(context.Background(), s.subject, s.logger, EventTypeMicroserviceStatus, s.name, map[string]any{
		"from":   from.String(),
		"status": to.String(),
	})
}

// fail marks the microservice FAILED and returns err wrapped with op. Errors
// from a composite step already name the operation and are returned as is.
func (s *MultitenantMicroservice) fail(op lifecycle.Operation, err error) error {
	s.setStatus(lifecycle.StatusFailed)
	s.logger.Error("Microservice lifecycle operation failed", "operation", op, "error", err)
	emitEvent(context.Background(), s.subject, s.logger, EventTypeMicroserviceFailed, s.name, map[string]any{
		"operation": string(op),
		"error":     err.Error(),
	})
	var stepErr *lifecycle.StepError
	if errors.As(err, &stepErr) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, s.name, err)
}

func (s *MultitenantMicroservice) monitor() lifecycle.ProgressMonitor {
	monitors := append(lifecycle.MultiMonitor{&logMonitor{logger: s.logger}}, s.monitors...)
	return monitors
}

// Initialize runs base initialization, initializes the tenant engine manager
// in a composite step, waits for the configuration cache, loads the global
// configuration when present and finally runs the Initialize hook. Any
// failure leaves the microservice FAILED.
func (s *MultitenantMicroservice) Initialize(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch s.Status() {
	case lifecycle.StatusUninitialized, lifecycle.StatusStopped, lifecycle.StatusFailed:
	default:
		return fmt.Errorf("%w: initialize %s from %s", ErrInvalidTransition, s.name, s.Status())
	}
	s.setStatus(lifecycle.StatusInitializing)

	if err := runHook(ctx, s.base.Initialize); err != nil {
		return s.fail(lifecycle.OperationInitialize, fmt.Errorf("base initialization: %w", err))
	}

	step := lifecycle.NewCompositeStep("Initialize " + s.name)
	if err := step.AddInitializeStep(s.name, s.manager, true); err != nil {
		return s.fail(lifecycle.OperationInitialize, err)
	}
	if err := step.Execute(ctx, s.monitor()); err != nil {
		return s.fail(lifecycle.OperationInitialize, err)
	}

	if err := s.waitForConfiguration(ctx); err != nil {
		return s.fail(lifecycle.OperationInitialize, err)
	}

	if err := s.loadGlobalConfiguration(ctx); err != nil {
		return s.fail(lifecycle.OperationInitialize, err)
	}

	if err := runHook(ctx, s.hooks.Initialize); err != nil {
		return s.fail(lifecycle.OperationInitialize, fmt.Errorf("microservice initialization: %w", err))
	}

	s.setStatus(lifecycle.StatusInitialized)
	s.logger.Info("Microservice initialized", "tenants", s.manager.Len())
	return nil
}

// loadGlobalConfiguration applies the cached global configuration, if any.
// It holds globalMu so a concurrent update is applied after it, never before.
func (s *MultitenantMicroservice) loadGlobalConfiguration(ctx context.Context) error {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	payload, ok := s.cache.Get(s.layout.GlobalPath)
	if !ok {
		s.logger.Warn("Global configuration not present", "path", s.layout.GlobalPath)
		return nil
	}
	if err := s.restarter.RestartConfiguration(ctx, payload); err != nil {
		return fmt.Errorf("load global configuration: %w", err)
	}
	return nil
}

// waitForConfiguration blocks until the cache is ready, the ready timeout
// expires or ctx ends.
func (s *MultitenantMicroservice) waitForConfiguration(ctx context.Context) error {
	if s.cache.IsReady() {
		return nil
	}
	s.logger.Info("Waiting for configuration cache", "timeout", s.readyTimeout)
	wctx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()
	if err := s.cache.WaitReady(wctx); err != nil {
		return fmt.Errorf("%w after %s: %w", ErrConfigurationNotReady, s.readyTimeout, err)
	}
	return nil
}

// Start runs base start, starts the tenant engine manager in a composite step
// and then runs the Start hook.
func (s *MultitenantMicroservice) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.Status() != lifecycle.StatusInitialized {
		return fmt.Errorf("%w: start %s from %s", ErrInvalidTransition, s.name, s.Status())
	}
	s.setStatus(lifecycle.StatusStarting)

	if err := runHook(ctx, s.base.Start); err != nil {
		return s.fail(lifecycle.OperationStart, fmt.Errorf("base start: %w", err))
	}

	start := lifecycle.NewCompositeStep("Start " + s.name)
	if err := start.AddStartStep(s.name, s.manager, true); err != nil {
		return s.fail(lifecycle.OperationStart, err)
	}
	if err := start.Execute(ctx, s.monitor()); err != nil {
		return s.fail(lifecycle.OperationStart, err)
	}

	if err := runHook(ctx, s.hooks.Start); err != nil {
		return s.fail(lifecycle.OperationStart, fmt.Errorf("microservice start: %w", err))
	}

	if s.recovery != nil {
		if err := s.recovery.Start(ctx); err != nil {
			return s.fail(lifecycle.OperationStart, err)
		}
	}

	s.setStatus(lifecycle.StatusStarted)
	s.logger.Info("Microservice started", "tenants", s.manager.Len())
	return nil
}

// Stop runs base stop, then the Stop hook, then stops the tenant engine
// manager in a composite step.
func (s *MultitenantMicroservice) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch s.Status() {
	case lifecycle.StatusUninitialized, lifecycle.StatusStopped:
		return nil
	}
	s.setStatus(lifecycle.StatusStopping)

	if s.recovery != nil {
		if err := s.recovery.Stop(ctx); err != nil {
			s.logger.Warn("Failed to stop tenant engine recovery", "error", err)
		}
	}

	if err := runHook(ctx, s.base.Stop); err != nil {
		return s.fail(lifecycle.OperationStop, fmt.Errorf("base stop: %w", err))
	}

	if err := runHook(ctx, s.hooks.Stop); err != nil {
		return s.fail(lifecycle.OperationStop, fmt.Errorf("microservice stop: %w", err))
	}

	stop := lifecycle.NewCompositeStep("Stop " + s.name)
	if err := stop.AddStopStep(s.name, s.manager); err != nil {
		return s.fail(lifecycle.OperationStop, err)
	}
	if err := stop.Execute(ctx, s.monitor()); err != nil {
		return s.fail(lifecycle.OperationStop, err)
	}

	s.setStatus(lifecycle.StatusStopped)
	s.logger.Info("Microservice stopped")
	return nil
}

// OnConfigurationAdded implements ConfigurationListener.
func (s *MultitenantMicroservice) OnConfigurationAdded(path string, payload []byte) {
	s.HandleConfigurationEvent(context.Background(), ConfigurationEvent{Kind: ConfigurationAdded, Path: path, Payload: payload})
}

// OnConfigurationUpdated implements ConfigurationListener.
func (s *MultitenantMicroservice) OnConfigurationUpdated(path string, payload []byte) {
	s.HandleConfigurationEvent(context.Background(), ConfigurationEvent{Kind: ConfigurationUpdated, Path: path, Payload: payload})
}

// OnConfigurationDeleted implements ConfigurationListener.
func (s *MultitenantMicroservice) OnConfigurationDeleted(path string) {
	s.HandleConfigurationEvent(context.Background(), ConfigurationEvent{Kind: ConfigurationDeleted, Path: path})
}

// HandleConfigurationEvent classifies and dispatches one notification.
// Notifications are dropped until the configuration cache is ready. Failures
// are logged as *ConfigurationDispatchError and never returned.
func (s *MultitenantMicroservice) HandleConfigurationEvent(ctx context.Context, ev ConfigurationEvent) {
	if !s.cache.IsReady() {
		s.logger.Debug("Configuration cache not ready, dropping notification", "path", ev.Path, "operation", ev.Kind)
		return
	}
	if err := s.dispatch(ctx, ev); err != nil {
		derr := &ConfigurationDispatchError{Operation: ev.Kind, Path: ev.Path, Err: err}
		s.metrics.dispatchFailed(ev.Kind)
		s.logger.Error("Configuration dispatch failed", "path", ev.Path, "operation", ev.Kind, "error", derr)
		emitEvent(context.WithoutCancel(ctx), s.subject, s.logger, EventTypeDispatchFailed, s.name, map[string]any{
			"path":      ev.Path,
			"operation": ev.Kind.String(),
			"error":     err.Error(),
		})
	}
}

// dispatch routes ev. Only an update of the global configuration path has
// global meaning; other global-scoped paths are ignored.
func (s *MultitenantMicroservice) dispatch(ctx context.Context, ev ConfigurationEvent) error {
	if ev.Kind == ConfigurationUpdated && s.layout.IsGlobalConfigurationPath(ev.Path) {
		s.metrics.configurationEvent(ev.Kind, PathScopeGlobal)
		return s.reloadGlobalConfiguration(ctx, ev.Payload)
	}

	info, scope, err := s.layout.Compute(ev.Path)
	if err != nil {
		return err
	}
	s.metrics.configurationEvent(ev.Kind, scope)
	if scope == PathScopeGlobal {
		s.logger.Debug("Ignoring non-tenant configuration path", "path", ev.Path, "operation", ev.Kind)
		return nil
	}

	switch ev.Kind {
	case ConfigurationAdded:
		return s.manager.OnConfigurationAdded(ctx, info, ev.Payload)
	case ConfigurationUpdated:
		return s.manager.OnConfigurationUpdated(ctx, info, ev.Payload)
	case ConfigurationDeleted:
		return s.manager.OnConfigurationDeleted(ctx, info)
	default:
		return fmt.Errorf("unknown configuration event kind %d", ev.Kind)
	}
}

// reloadGlobalConfiguration reloads process configuration and, only if that
// succeeds and the manager is starting or started, restarts every tenant
// engine. Engines the manager has not started yet pick up the reloaded
// configuration when they start.
func (s *MultitenantMicroservice) reloadGlobalConfiguration(ctx context.Context, payload []byte) error {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	err := s.restarter.RestartConfiguration(ctx, payload)
	s.metrics.globalReload(err)
	if err != nil {
		emitEvent(context.WithoutCancel(ctx), s.subject, s.logger, EventTypeGlobalConfigFailed, s.name, map[string]any{"error": err.Error()})
		return fmt.Errorf("restart global configuration: %w", err)
	}
	s.logger.Info("Global configuration reloaded", "path", s.layout.GlobalPath)
	emitEvent(context.WithoutCancel(ctx), s.subject, s.logger, EventTypeGlobalConfigReloaded, s.name, nil)

	switch status := s.manager.Status(); status {
	case lifecycle.StatusStarting, lifecycle.StatusStarted:
	default:
		s.logger.Info("Tenant engine manager not started, skipping tenant restart", "status", status)
		return nil
	}
	if err := s.manager.RestartAllTenantEngines(ctx); err != nil {
		var lte *LifecycleTransitionError
		if errors.As(err, &lte) {
			s.logger.Warn("Some tenant engines failed to restart", "tenants", lte.FailedTenants())
		}
		return err
	}
	return nil
}

// logMonitor logs composite step progress.
type logMonitor struct {
	logger Logger
}

func (m *logMonitor) StepStarted(_ context.Context, composite, step string, index, total int) {
	m.logger.Debug("Lifecycle step started", "composite", composite, "step", step, "index", index+1, "total", total)
}

func (m *logMonitor) StepCompleted(_ context.Context, composite, step string, duration time.Duration) {
	m.logger.Info("Lifecycle step completed", "composite", composite, "step", step, "duration", duration)
}

func (m *logMonitor) StepFailed(_ context.Context, composite, step string, duration time.Duration, err error, required bool) {
	if required {
		m.logger.Error("Lifecycle step failed", "composite", composite, "step", step, "duration", duration, "error", err)
		return
	}
	m.logger.Warn("Optional lifecycle step failed", "composite", composite, "step", step, "duration", duration, "error", err)
}
