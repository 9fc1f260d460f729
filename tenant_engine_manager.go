package tenanthost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/tenanthost/initializer"
	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// DefaultTenantParallelism bounds how many engines the manager drives at once
// during lifecycle fan-out.
const DefaultTenantParallelism = 8

// ManagerOption configures a TenantEngineManager.
type ManagerOption func(*TenantEngineManager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *TenantEngineManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerDataInitializer sets the initializer run after each engine's
// first successful start.
func WithManagerDataInitializer(di initializer.DataInitializer) ManagerOption {
	return func(m *TenantEngineManager) {
		m.dataInitializer = di
	}
}

// WithManagerParallelism limits concurrent per-tenant operations. Values
// below one are ignored.
func WithManagerParallelism(n int) ManagerOption {
	return func(m *TenantEngineManager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// WithManagerSubject sets the subject notified of engine events.
func WithManagerSubject(subject Subject) ManagerOption {
	return func(m *TenantEngineManager) {
		m.subject = subject
	}
}

// WithManagerMetrics sets the metrics the manager updates.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *TenantEngineManager) {
		m.metrics = metrics
	}
}

// TenantEngineManager owns the table of tenant engines. The table is guarded
// by one RWMutex for insert, lookup and removal; each engine's lifecycle and
// configuration delivery are serialized by a per-engine lock. Operations on
// different tenants run concurrently.
type TenantEngineManager struct {
	name            string
	factory         TenantEngineFactory
	logger          Logger
	dataInitializer initializer.DataInitializer
	seed            dataSeeder
	parallelism     int
	subject         Subject
	metrics         *Metrics

	status *atomic.Int32

	mu      sync.RWMutex
	engines map[TenantID]*tenantEngineEntry
}

// NewTenantEngineManager creates a manager that builds engines with factory.
func NewTenantEngineManager(name string, factory TenantEngineFactory, opts ...ManagerOption) (*TenantEngineManager, error) {
	if factory == nil {
		return nil, ErrTenantEngineFactoryNil
	}
	m := &TenantEngineManager{
		name:        name,
		factory:     factory,
		logger:      nopLogger{},
		parallelism: DefaultTenantParallelism,
		status:      atomic.NewInt32(int32(lifecycle.StatusUninitialized)),
		engines:     make(map[TenantID]*tenantEngineEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.seed = newDataSeeder(m.dataInitializer, m.logger)
	return m, nil
}

// Name returns the manager name.
func (m *TenantEngineManager) Name() string {
	return m.name
}

// Status returns the manager's own lifecycle status.
func (m *TenantEngineManager) Status() lifecycle.Status {
	return lifecycle.Status(m.status.Load())
}

func (m *TenantEngineManager) setStatus(s lifecycle.Status) {
	m.status.Store(int32(s))
}

// accepting reports whether the manager takes new engines and configuration.
func accepting(s lifecycle.Status) bool {
	switch s {
	case lifecycle.StatusStopping, lifecycle.StatusStopped, lifecycle.StatusFailed:
		return false
	default:
		return true
	}
}

// Initialize initializes the manager and every tracked engine. Engine
// failures mark that engine FAILED and are returned as one
// *LifecycleTransitionError once every engine has been processed. Calling it
// again while INITIALIZED retries the engines that are not initialized.
func (m *TenantEngineManager) Initialize(ctx context.Context) error {
	switch m.Status() {
	case lifecycle.StatusUninitialized, lifecycle.StatusInitialized, lifecycle.StatusStopped, lifecycle.StatusFailed:
	default:
		return fmt.Errorf("%w: initialize %s from %s", ErrInvalidTransition, m.name, m.Status())
	}

	m.setStatus(lifecycle.StatusInitializing)
	failures := m.forEach(ctx, m.snapshot(), func(ctx context.Context, e *tenantEngineEntry) error {
		return e.initializeLocked(ctx)
	})
	m.setStatus(lifecycle.StatusInitialized)
	m.logger.Info("Tenant engine manager initialized", "manager", m.name, "engines", m.Len(), "failed", len(failures))
	return newLifecycleTransitionError(m.name, lifecycle.OperationInitialize, failures)
}

// Start starts every tracked engine. Engines created by configuration events
// after Start begins are started as they are added.
func (m *TenantEngineManager) Start(ctx context.Context) error {
	switch m.Status() {
	case lifecycle.StatusInitialized, lifecycle.StatusStopped:
	default:
		return fmt.Errorf("%w: start %s from %s", ErrInvalidTransition, m.name, m.Status())
	}

	m.mu.Lock()
	m.setStatus(lifecycle.StatusStarting)
	entries := m.snapshotLocked()
	m.mu.Unlock()

	failures := m.forEach(ctx, entries, func(ctx context.Context, e *tenantEngineEntry) error {
		return e.startLocked(ctx, m.seed)
	})
	m.setStatus(lifecycle.StatusStarted)
	m.logger.Info("Tenant engine manager started", "manager", m.name, "engines", len(entries), "failed", len(failures))
	return newLifecycleTransitionError(m.name, lifecycle.OperationStart, failures)
}

// Stop stops every tracked engine and clears the table.
func (m *TenantEngineManager) Stop(ctx context.Context) error {
	switch m.Status() {
	case lifecycle.StatusStopped, lifecycle.StatusStopping:
		return nil
	}

	m.mu.Lock()
	m.setStatus(lifecycle.StatusStopping)
	entries := m.snapshotLocked()
	m.mu.Unlock()

	failures := m.forEach(ctx, entries, func(ctx context.Context, e *tenantEngineEntry) error {
		err := e.stopLocked(ctx)
		e.removed = true
		return err
	})

	m.mu.Lock()
	for _, e := range entries {
		delete(m.engines, e.id)
	}
	m.mu.Unlock()

	m.setStatus(lifecycle.StatusStopped)
	m.logger.Info("Tenant engine manager stopped", "manager", m.name, "engines", len(entries), "failed", len(failures))
	return newLifecycleTransitionError(m.name, lifecycle.OperationStop, failures)
}

// Len returns the number of tracked engines.
func (m *TenantEngineManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.engines)
}

// GetTenantEngineByTenantId returns the engine for id regardless of its
// status. It never creates an engine.
func (m *TenantEngineManager) GetTenantEngineByTenantId(id TenantID) (TenantEngine, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantEngineNotFound, id)
	}
	return e.engine, nil
}

// AssureTenantEngineAvailable returns the engine for id only when it is
// STARTED. Unknown tenants and engines in any other status yield a
// *TenantEngineNotAvailableError. It never creates an engine.
func (m *TenantEngineManager) AssureTenantEngineAvailable(id TenantID) (TenantEngine, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, &TenantEngineNotAvailableError{TenantID: id}
	}
	if status := e.Status(); status != lifecycle.StatusStarted {
		return nil, &TenantEngineNotAvailableError{TenantID: id, Known: true, Status: status}
	}
	return e.engine, nil
}

// TenantEngineStatus returns the status of the engine for id.
func (m *TenantEngineManager) TenantEngineStatus(id TenantID) (lifecycle.Status, bool) {
	e := m.lookup(id)
	if e == nil {
		return lifecycle.StatusUninitialized, false
	}
	return e.Status(), true
}

// TenantEngines returns a view of every tracked engine ordered by tenant id.
func (m *TenantEngineManager) TenantEngines() []TenantEngineInfo {
	entries := m.snapshot()
	infos := make([]TenantEngineInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TenantID.String() < infos[j].TenantID.String() })
	return infos
}

// TenantEngineInfo returns the view of one engine.
func (m *TenantEngineManager) TenantEngineInfo(id TenantID) (TenantEngineInfo, bool) {
	e := m.lookup(id)
	if e == nil {
		return TenantEngineInfo{}, false
	}
	return e.info(), true
}

// OnConfigurationAdded delivers an added path to the owning engine, creating
// the engine first when the tenant is unknown. While the manager is starting
// or started, a newly created engine is brought up right after delivery.
func (m *TenantEngineManager) OnConfigurationAdded(ctx context.Context, info TenantPathInfo, payload []byte) error {
	for {
		e, bootstrap, err := m.getOrCreate(info.TenantID)
		if err != nil {
			return err
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		err = e.engine.OnConfigurationAdded(NewTenantContext(ctx, e.id), info.RelativePath, payload)
		if err == nil && bootstrap {
			if startErr := e.startLocked(ctx, m.seed); startErr != nil {
				m.logger.Error("Failed to start tenant engine", "tenantID", e.id, "error", startErr)
				err = startErr
			}
		}
		e.mu.Unlock()
		return err
	}
}

// OnConfigurationUpdated delivers an updated path to the owning engine.
// Updates for unknown tenants are ignored.
func (m *TenantEngineManager) OnConfigurationUpdated(ctx context.Context, info TenantPathInfo, payload []byte) error {
	return m.withEngine(info.TenantID, func(e *tenantEngineEntry) error {
		return e.engine.OnConfigurationUpdated(NewTenantContext(ctx, e.id), info.RelativePath, payload)
	})
}

// OnConfigurationDeleted delivers a deleted path to the owning engine.
// Deleting the tenant root path offboards the tenant. Deletes for unknown
// tenants are ignored.
func (m *TenantEngineManager) OnConfigurationDeleted(ctx context.Context, info TenantPathInfo) error {
	if info.IsTenantRoot() {
		return m.RemoveTenantEngine(ctx, info.TenantID)
	}
	return m.withEngine(info.TenantID, func(e *tenantEngineEntry) error {
		return e.engine.OnConfigurationDeleted(NewTenantContext(ctx, e.id), info.RelativePath)
	})
}

// RemoveTenantEngine stops the engine for id and removes it from the table.
// Removing an unknown tenant does nothing.
func (m *TenantEngineManager) RemoveTenantEngine(ctx context.Context, id TenantID) error {
	m.mu.Lock()
	e, ok := m.engines[id]
	if ok {
		delete(m.engines, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	err := e.stopLocked(ctx)
	if err != nil {
		m.logger.Error("Failed to stop removed tenant engine", "tenantID", id, "error", err)
	}
	m.logger.Info("Tenant engine removed", "tenantID", id)
	m.metrics.engineRemoved()
	emitEvent(context.WithoutCancel(ctx), m.subject, m.logger, EventTypeTenantEngineRemoved, m.name, map[string]any{"tenantId": id.String()})
	return err
}

// RestartAllTenantEngines stops, initializes and starts every engine tracked
// when the call begins. Each restart runs under that engine's lock. Stop
// failures are logged; initialize and start failures are aggregated into a
// *LifecycleTransitionError without blocking the other restarts.
func (m *TenantEngineManager) RestartAllTenantEngines(ctx context.Context) error {
	entries := m.snapshot()
	failures := m.forEach(ctx, entries, func(ctx context.Context, e *tenantEngineEntry) error {
		return m.restartLocked(ctx, e)
	})
	m.logger.Info("Restarted tenant engines", "manager", m.name, "engines", len(entries), "failed", len(failures))
	emitEvent(context.WithoutCancel(ctx), m.subject, m.logger, EventTypeTenantsRestarted, m.name, map[string]any{
		"engines": len(entries),
		"failed":  len(failures),
	})
	return newLifecycleTransitionError(m.name, lifecycle.OperationRestart, failures)
}

// RecoverFailedTenantEngines restarts every engine currently FAILED.
func (m *TenantEngineManager) RecoverFailedTenantEngines(ctx context.Context) error {
	if m.Status() != lifecycle.StatusStarted {
		return nil
	}
	var failed []*tenantEngineEntry
	for _, e := range m.snapshot() {
		if e.Status() == lifecycle.StatusFailed {
			failed = append(failed, e)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	failures := m.forEach(ctx, failed, func(ctx context.Context, e *tenantEngineEntry) error {
		if e.Status() != lifecycle.StatusFailed {
			return nil
		}
		return m.restartLocked(ctx, e)
	})
	m.logger.Info("Recovered failed tenant engines", "manager", m.name, "attempted", len(failed), "failed", len(failures))
	return newLifecycleTransitionError(m.name, lifecycle.OperationRestart, failures)
}

// restartLocked runs stop, initialize and start for e. The caller holds e.mu.
func (m *TenantEngineManager) restartLocked(ctx context.Context, e *tenantEngineEntry) error {
	e.restarts.Inc()
	m.metrics.engineRestarted()
	if err := e.stopLocked(ctx); err != nil {
		m.logger.Warn("Tenant engine stop failed during restart", "tenantID", e.id, "error", err)
	}
	if err := e.initializeLocked(ctx); err != nil {
		return err
	}
	return e.startLocked(ctx, m.seed)
}

// getOrCreate returns the entry for id, constructing the engine under the
// table lock when missing. bootstrap reports whether the caller must start
// the new engine.
func (m *TenantEngineManager) getOrCreate(id TenantID) (*tenantEngineEntry, bool, error) {
	if e := m.lookup(id); e != nil {
		return e, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[id]; ok {
		return e, false, nil
	}
	status := m.Status()
	if !accepting(status) {
		return nil, false, fmt.Errorf("%w: %s is %s", ErrManagerNotAccepting, m.name, status)
	}

	engine, err := m.factory(id)
	if err != nil {
		return nil, false, fmt.Errorf("create tenant engine %s: %w", id, err)
	}
	if engine == nil {
		return nil, false, fmt.Errorf("%w: tenant %s", ErrTenantEngineNil, id)
	}

	e := newTenantEngineEntry(id, engine, m.statusChanged)
	m.engines[id] = e
	m.metrics.engineCreated()
	m.logger.Info("Tenant engine created", "tenantID", id)
	emitEvent(context.Background(), m.subject, m.logger, EventTypeTenantEngineCreated, m.name, map[string]any{"tenantId": id.String()})

	bootstrap := status == lifecycle.StatusStarting || status == lifecycle.StatusStarted
	return e, bootstrap, nil
}

// withEngine runs fn under the engine lock. Unknown or removed tenants are
// skipped.
func (m *TenantEngineManager) withEngine(id TenantID, fn func(e *tenantEngineEntry) error) error {
	e := m.lookup(id)
	if e == nil {
		m.logger.Debug("Ignoring configuration for unknown tenant", "tenantID", id)
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil
	}
	return fn(e)
}

func (m *TenantEngineManager) lookup(id TenantID) *tenantEngineEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[id]
}

func (m *TenantEngineManager) snapshot() []*tenantEngineEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *TenantEngineManager) snapshotLocked() []*tenantEngineEntry {
	entries := make([]*tenantEngineEntry, 0, len(m.engines))
	for _, e := range m.engines {
		entries = append(entries, e)
	}
	return entries
}

// forEach runs fn for every entry under that entry's lock, at most
// parallelism at a time. Every entry is processed; failures are collected
// per tenant.
func (m *TenantEngineManager) forEach(ctx context.Context, entries []*tenantEngineEntry, fn func(context.Context, *tenantEngineEntry) error) map[TenantID]error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures = make(map[TenantID]error)
	)
	g.SetLimit(m.parallelism)
	for _, e := range entries {
		g.Go(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.removed {
				return nil
			}
			if err := fn(ctx, e); err != nil {
				m.logger.Error("Tenant engine operation failed", "tenantID", e.id, "status", e.Status(), "error", err)
				mu.Lock()
				failures[e.id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func (m *TenantEngineManager) statusChanged(e *tenantEngineEntry, from, to lifecycle.Status) {
	m.metrics.engineTransition(from, to)
	m.logger.Debug("Tenant engine status changed", "tenantID", e.id, "from", from, "to", to)

	data := map[string]any{
		"tenantId": e.id.String(),
		"from":     from.String(),
		"status":   to.String(),
	}
	eventType := EventTypeTenantEngineStatus
	if to == lifecycle.StatusFailed {
		eventType = EventTypeTenantEngineFailed
		if err := e.lastErr.Load(); err != nil {
			data["error"] = err.Error()
		}
	}
	emitEvent(context.Background(), m.subject, m.logger, eventType, m.name, data)
}

// IsNotAvailable reports whether err means a tenant engine is unknown or not
// yet STARTED.
func IsNotAvailable(err error) bool {
	return errors.Is(err, ErrTenantEngineNotAvailable)
}
