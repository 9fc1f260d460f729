package tenanthost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/GoCodeAlone/tenanthost/initializer"
	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// TenantEngineInfo is a point-in-time view of one tracked engine.
type TenantEngineInfo struct {
	TenantID        TenantID         `json:"tenantId"`
	Status          lifecycle.Status `json:"-"`
	StatusName      string           `json:"status"`
	Restarts        int64            `json:"restarts"`
	DataInitialized bool             `json:"dataInitialized"`
	LastError       string           `json:"lastError,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	StatusSince     time.Time        `json:"statusSince"`
}

// tenantEngineEntry is one row of the manager's table. mu serializes every
// lifecycle operation and configuration delivery for the engine. The atomic
// fields are readable without it.
type tenantEngineEntry struct {
	id        TenantID
	engine    TenantEngine
	createdAt time.Time

	status          *atomic.Int32
	statusSince     *atomic.Time
	restarts        *atomic.Int64
	dataInitialized *atomic.Bool
	lastErr         *atomic.Error

	mu      sync.Mutex
	removed bool

	// onStatus is called after every status change, with mu held.
	onStatus func(e *tenantEngineEntry, from, to lifecycle.Status)
}

func newTenantEngineEntry(id TenantID, engine TenantEngine, onStatus func(*tenantEngineEntry, lifecycle.Status, lifecycle.Status)) *tenantEngineEntry {
	now := time.Now()
	return &tenantEngineEntry{
		id:          id,
		engine:      engine,
		createdAt:   now,
		status:      atomic.NewInt32(int32(lifecycle.StatusUninitialized)),
		statusSince: atomic.NewTime(now),
		restarts:    atomic.NewInt64(0),
		onStatus:    onStatus,

		dataInitialized: atomic.NewBool(false),
		lastErr:         atomic.NewError(nil),
	}
}

func (e *tenantEngineEntry) Status() lifecycle.Status {
	return lifecycle.Status(e.status.Load())
}

func (e *tenantEngineEntry) setStatus(to lifecycle.Status) {
	from := lifecycle.Status(e.status.Swap(int32(to)))
	if from == to {
		return
	}
	e.statusSince.Store(time.Now())
	if e.onStatus != nil {
		e.onStatus(e, from, to)
	}
}

// fail records err and marks the engine FAILED.
func (e *tenantEngineEntry) fail(err error) error {
	e.lastErr.Store(err)
	e.setStatus(lifecycle.StatusFailed)
	return err
}

func (e *tenantEngineEntry) info() TenantEngineInfo {
	status := e.Status()
	info := TenantEngineInfo{
		TenantID:        e.id,
		Status:          status,
		StatusName:      status.String(),
		Restarts:        e.restarts.Load(),
		DataInitialized: e.dataInitialized.Load(),
		CreatedAt:       e.createdAt,
		StatusSince:     e.statusSince.Load(),
	}
	if err := e.lastErr.Load(); err != nil {
		info.LastError = err.Error()
	}
	return info
}

// initializeLocked drives UNINITIALIZED, STOPPED or FAILED to INITIALIZED.
// The caller holds mu.
func (e *tenantEngineEntry) initializeLocked(ctx context.Context) error {
	switch e.Status() {
	case lifecycle.StatusInitialized:
		return nil
	case lifecycle.StatusUninitialized, lifecycle.StatusStopped, lifecycle.StatusFailed:
	default:
		return fmt.Errorf("%w: initialize tenant engine %s from %s", ErrInvalidTransition, e.id, e.Status())
	}

	e.setStatus(lifecycle.StatusInitializing)
	if err := e.engine.Initialize(NewTenantContext(ctx, e.id)); err != nil {
		return e.fail(err)
	}
	e.lastErr.Store(nil)
	e.setStatus(lifecycle.StatusInitialized)
	return nil
}

// startLocked brings the engine to STARTED, initializing it first when
// needed. The data initializer runs after the first successful start and the
// engine only reports STARTED once it has succeeded. The caller holds mu.
func (e *tenantEngineEntry) startLocked(ctx context.Context, seed dataSeeder) error {
	switch e.Status() {
	case lifecycle.StatusStarted:
		return nil
	case lifecycle.StatusUninitialized, lifecycle.StatusStopped, lifecycle.StatusFailed:
		if err := e.initializeLocked(ctx); err != nil {
			return err
		}
	case lifecycle.StatusInitialized:
	default:
		return fmt.Errorf("%w: start tenant engine %s from %s", ErrInvalidTransition, e.id, e.Status())
	}

	e.setStatus(lifecycle.StatusStarting)
	tctx := NewTenantContext(ctx, e.id)
	if err := e.engine.Start(tctx); err != nil {
		return e.fail(err)
	}

	if !e.dataInitialized.Load() && seed != nil {
		ran, err := seed(tctx, e)
		if err != nil {
			return e.fail(fmt.Errorf("%w: tenant %s: %w", ErrDataInitialization, e.id, err))
		}
		e.dataInitialized.Store(ran)
	}

	e.lastErr.Store(nil)
	e.setStatus(lifecycle.StatusStarted)
	return nil
}

// stopLocked stops the engine. Stopping an engine that never started or is
// already stopped does nothing. The caller holds mu.
func (e *tenantEngineEntry) stopLocked(ctx context.Context) error {
	switch e.Status() {
	case lifecycle.StatusUninitialized, lifecycle.StatusStopped:
		return nil
	}

	e.setStatus(lifecycle.StatusStopping)
	if err := e.engine.Stop(NewTenantContext(ctx, e.id)); err != nil {
		return e.fail(err)
	}
	e.setStatus(lifecycle.StatusStopped)
	return nil
}

// dataSeeder runs the data initializer for an engine and reports whether it
// actually ran.
type dataSeeder func(ctx context.Context, e *tenantEngineEntry) (bool, error)

func newDataSeeder(di initializer.DataInitializer, logger Logger) dataSeeder {
	if di == nil {
		return nil
	}
	return func(ctx context.Context, e *tenantEngineEntry) (bool, error) {
		if !initializer.IsEnabled(di) {
			return false, nil
		}
		binding := initializer.Binding{
			initializer.BindingLogger:   withFields(logger, "tenantID", e.id),
			initializer.BindingTenantID: e.id,
		}
		if p, ok := e.engine.(DataBuilderProvider); ok {
			binding[initializer.BindingBuilder] = p.DataBuilder()
		}
		if err := di.Initialize(ctx, binding); err != nil {
			return false, err
		}
		return true, nil
	}
}
