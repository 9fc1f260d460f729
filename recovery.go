package tenanthost

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// FailedEngineRecovery periodically restarts FAILED tenant engines on a cron
// schedule.
type FailedEngineRecovery struct {
	schedule string
	manager  *TenantEngineManager
	logger   Logger

	mu        sync.Mutex
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	isStarted bool
}

// NewFailedEngineRecovery validates schedule (standard five field cron
// syntax or descriptors such as "@every 30s").
func NewFailedEngineRecovery(schedule string, manager *TenantEngineManager, logger Logger) (*FailedEngineRecovery, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &FailedEngineRecovery{
		schedule: schedule,
		manager:  manager,
		logger:   logger,
	}, nil
}

// Start begins the schedule. Calling Start twice does nothing.
func (r *FailedEngineRecovery) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isStarted {
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := r.cron.AddFunc(r.schedule, r.RunOnce); err != nil {
		r.cancel()
		return fmt.Errorf("schedule recovery: %w", err)
	}
	r.cron.Start()
	r.isStarted = true
	r.logger.Info("Failed tenant engine recovery scheduled", "schedule", r.schedule)
	return nil
}

// RunOnce restarts every FAILED engine now.
func (r *FailedEngineRecovery) RunOnce() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.manager.RecoverFailedTenantEngines(ctx); err != nil {
		r.logger.Warn("Failed tenant engine recovery incomplete", "error", err)
	}
}

// Stop halts the schedule and waits for a running recovery to finish or ctx
// to end.
func (r *FailedEngineRecovery) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isStarted {
		r.mu.Unlock()
		return nil
	}
	r.isStarted = false
	cronCtx := r.cron.Stop()
	cancel := r.cancel
	r.mu.Unlock()

	select {
	case <-cronCtx.Done():
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("stop recovery: %w", ctx.Err())
	}
}
