package tenanthost

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// orderLog is a concurrency-safe list of step names.
type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

func (o *orderLog) hook(step string) func(context.Context) error {
	return func(context.Context) error {
		o.add(step)
		return nil
	}
}

func (o *orderLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.steps))
	copy(out, o.steps)
	return out
}

func newTestMicroservice(t *testing.T, factory *engineFactory, cache *memCache, opts ...Option) *MultitenantMicroservice {
	t.Helper()
	opts = append([]Option{WithConfigurationCache(cache)}, opts...)
	svc, err := NewMultitenantMicroservice("device-management", testLayout, factory.New, opts...)
	require.NoError(t, err)
	return svc
}

func startedMicroservice(t *testing.T, factory *engineFactory, cache *memCache, opts ...Option) *MultitenantMicroservice {
	t.Helper()
	svc := newTestMicroservice(t, factory, cache, opts...)
	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	return svc
}

func TestNewMultitenantMicroservice_Validation(t *testing.T) {
	factory := newEngineFactory()

	_, err := NewMultitenantMicroservice("svc", PathLayout{GlobalPath: "relative", TenantsRoot: "/tenants"}, factory.New, WithConfigurationCache(newMemCache(true)))
	assert.ErrorIs(t, err, ErrInvalidPathLayout)

	_, err = NewMultitenantMicroservice("svc", testLayout, factory.New)
	assert.ErrorIs(t, err, ErrConfigurationCacheNil)

	_, err = NewMultitenantMicroservice("svc", testLayout, nil, WithConfigurationCache(newMemCache(true)))
	assert.ErrorIs(t, err, ErrTenantEngineFactoryNil)

	_, err = NewMultitenantMicroservice("svc", testLayout, factory.New, WithConfigurationCache(newMemCache(true)), WithConfigurationReadyTimeout(0))
	assert.Error(t, err)

	_, err = NewMultitenantMicroservice("svc", testLayout, factory.New, WithConfigurationCache(newMemCache(true)), WithRecoverySchedule("not a schedule"))
	assert.Error(t, err)
}

func TestMultitenantMicroservice_LifecycleOrder(t *testing.T) {
	factory := newEngineFactory()
	cache := newMemCache(true)
	order := &orderLog{}
	var svc *MultitenantMicroservice
	managerStatus := func(step string) func(context.Context) error {
		return func(context.Context) error {
			order.add(step + ":" + svc.TenantEngineManager().Status().String())
			return nil
		}
	}
	svc = newTestMicroservice(t, factory, cache,
		WithBaseLifecycle(LifecycleHooks{
			Initialize: managerStatus("base-initialize"),
			Start:      managerStatus("base-start"),
			Stop:       managerStatus("base-stop"),
		}),
		WithHooks(LifecycleHooks{
			Initialize: managerStatus("hook-initialize"),
			Start:      managerStatus("hook-start"),
			Stop:       managerStatus("hook-stop"),
		}),
	)
	ctx := context.Background()

	assert.Equal(t, lifecycle.StatusUninitialized, svc.Status())
	require.NoError(t, svc.Initialize(ctx))
	assert.Equal(t, lifecycle.StatusInitialized, svc.Status())
	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, lifecycle.StatusStarted, svc.Status())
	assert.True(t, svc.Ready())
	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, lifecycle.StatusStopped, svc.Status())

	assert.Equal(t, []string{
		"base-initialize:UNINITIALIZED",
		"hook-initialize:INITIALIZED",
		"base-start:INITIALIZED",
		"hook-start:STARTED",
		"base-stop:STARTED",
		"hook-stop:STARTED",
	}, order.list())
	assert.Equal(t, lifecycle.StatusStopped, svc.TenantEngineManager().Status())
}

func TestMultitenantMicroservice_StopHookReachesLiveEngines(t *testing.T) {
	factory := newEngineFactory()
	cache := newMemCache(true)
	id := MustParseTenantID(tenantA)
	var reachable bool
	var svc *MultitenantMicroservice
	svc = startedMicroservice(t, factory, cache, WithHooks(LifecycleHooks{
		Stop: func(context.Context) error {
			_, err := svc.AssureTenantEngineAvailable(id)
			reachable = err == nil
			return nil
		},
	}))
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), []byte("v1"))

	require.NoError(t, svc.Stop(context.Background()))
	assert.True(t, reachable)
	assert.Equal(t, int32(1), factory.engine(id).stops.Load())
}

func TestMultitenantMicroservice_InitializeCompositeFailure(t *testing.T) {
	factory := newEngineFactory()
	factory.prepare = func(e *fakeEngine) { e.setFailure(lifecycle.OperationInitialize, errEngine) }
	cache := newMemCache(true)
	hookRan := false
	svc := newTestMicroservice(t, factory, cache, WithHooks(LifecycleHooks{
		Initialize: func(context.Context) error {
			hookRan = true
			return nil
		},
	}))
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)
	require.Equal(t, 1, svc.TenantEngineManager().Len())

	err := svc.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrStepFailed)
	assert.ErrorIs(t, err, ErrLifecycleTransition)
	assert.ErrorIs(t, err, errEngine)
	assert.Equal(t, lifecycle.StatusFailed, svc.Status())
	assert.False(t, hookRan)
	assert.Equal(t, 1, strings.Count(err.Error(), "Initialize device-management:"), err.Error())

	assert.ErrorIs(t, svc.Start(context.Background()), ErrInvalidTransition)
}

func TestMultitenantMicroservice_InitializeRetryAfterTenantFailure(t *testing.T) {
	factory := newEngineFactory()
	factory.prepare = func(e *fakeEngine) { e.setFailure(lifecycle.OperationInitialize, errEngine) }
	svc := newTestMicroservice(t, factory, newMemCache(true))
	ctx := context.Background()
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)
	id := MustParseTenantID(tenantA)

	require.ErrorIs(t, svc.Initialize(ctx), errEngine)
	assert.Equal(t, lifecycle.StatusFailed, svc.Status())
	status, _ := svc.TenantEngineManager().TenantEngineStatus(id)
	assert.Equal(t, lifecycle.StatusFailed, status)

	factory.engine(id).setFailure(lifecycle.OperationInitialize, nil)
	require.NoError(t, svc.Initialize(ctx))
	assert.Equal(t, lifecycle.StatusInitialized, svc.Status())
	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, lifecycle.StatusStarted, svc.Status())

	_, err := svc.AssureTenantEngineAvailable(id)
	assert.NoError(t, err)
	assert.Equal(t, 1, factory.created(id))
}

func TestMultitenantMicroservice_ConfigurationWaitTimesOut(t *testing.T) {
	factory := newEngineFactory()
	cache := newMemCache(false)
	hookRan := false
	svc := newTestMicroservice(t, factory, cache,
		WithConfigurationReadyTimeout(20*time.Millisecond),
		WithHooks(LifecycleHooks{Initialize: func(context.Context) error {
			hookRan = true
			return nil
		}}),
	)

	err := svc.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationNotReady)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, lifecycle.StatusFailed, svc.Status())
	assert.False(t, hookRan)
}

func TestMultitenantMicroservice_InitializeWaitsForConfiguration(t *testing.T) {
	factory := newEngineFactory()
	cache := newMemCache(false)
	svc := newTestMicroservice(t, factory, cache)

	done := make(chan error, 1)
	go func() { done <- svc.Initialize(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("initialize returned before the cache was ready: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	cache.markReady()
	require.NoError(t, <-done)
	assert.Equal(t, lifecycle.StatusInitialized, svc.Status())
}

func TestMultitenantMicroservice_InitializeLoadsGlobalConfiguration(t *testing.T) {
	cache := newMemCache(true)
	cache.put(testLayout.GlobalPath, []byte("region: eu-west\nreplicas: 3\n"))
	svc := startedMicroservice(t, newEngineFactory(), cache)

	instance := svc.InstanceConfiguration()
	require.NotNil(t, instance)
	assert.Equal(t, int64(1), instance.Version())
	assert.Equal(t, "eu-west", instance.Settings()["region"])

	var decoded struct {
		Replicas int `yaml:"replicas"`
	}
	require.NoError(t, instance.Decode(&decoded))
	assert.Equal(t, 3, decoded.Replicas)
}

func TestMultitenantMicroservice_InitializeRejectsBadGlobalConfiguration(t *testing.T) {
	cache := newMemCache(true)
	cache.put(testLayout.GlobalPath, []byte("region: [unterminated"))
	svc := newTestMicroservice(t, newEngineFactory(), cache)

	err := svc.Initialize(context.Background())
	assert.Error(t, err)
	assert.Equal(t, lifecycle.StatusFailed, svc.Status())
}

func TestMultitenantMicroservice_DropsNotificationsUntilReady(t *testing.T) {
	factory := newEngineFactory()
	cache := newMemCache(false)
	restarter := &recordingRestarter{}
	svc := newTestMicroservice(t, factory, cache, WithConfigurationRestarter(restarter))

	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), []byte("v1"))
	svc.OnConfigurationUpdated(testLayout.GlobalPath, []byte("a: 1"))
	svc.OnConfigurationDeleted(tenantPath(tenantA, "tenant.yaml"))

	assert.Equal(t, 0, svc.TenantEngineManager().Len())
	assert.Equal(t, 0, restarter.count())
	assert.Equal(t, 0, factory.created(MustParseTenantID(tenantA)))
}

func TestMultitenantMicroservice_RoutesTenantEvents(t *testing.T) {
	factory := newEngineFactory()
	svc := startedMicroservice(t, factory, newMemCache(true))
	id := MustParseTenantID(tenantA)

	svc.OnConfigurationAdded(tenantPath(tenantA, "devices.yaml"), []byte("v1"))
	engine, err := svc.AssureTenantEngineAvailable(id)
	require.NoError(t, err)
	assert.Same(t, factory.engine(id), engine)

	svc.OnConfigurationUpdated(tenantPath(tenantA, "devices.yaml"), []byte("v2"))
	v, _ := factory.engine(id).Config("devices.yaml")
	assert.Equal(t, "v2", v)

	svc.OnConfigurationDeleted(tenantPath(tenantA, "devices.yaml"))
	_, ok := factory.engine(id).Config("devices.yaml")
	assert.False(t, ok)

	assert.Equal(t, []string{"added devices.yaml", "initialize", "start", "updated devices.yaml", "deleted devices.yaml"}, factory.engine(id).Calls())
	_, err = svc.GetTenantEngineByTenantId(MustParseTenantID(tenantB))
	assert.ErrorIs(t, err, ErrTenantEngineNotFound)
}

func TestMultitenantMicroservice_GlobalUpdateReloadsThenRestarts(t *testing.T) {
	order := &orderLog{}
	factory := newEngineFactory()
	factory.prepare = func(e *fakeEngine) {
		e.onStart = func() { order.add("start " + e.id.String()) }
	}
	restarter := ConfigurationRestarterFunc(func(_ context.Context, payload []byte) error {
		order.add("reload " + string(payload))
		return nil
	})
	svc := startedMicroservice(t, factory, newMemCache(true), WithConfigurationRestarter(restarter))
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)
	svc.OnConfigurationAdded(tenantPath(tenantB, "tenant.yaml"), nil)
	before := len(order.list())

	svc.OnConfigurationUpdated(testLayout.GlobalPath, []byte("v2"))

	after := order.list()[before:]
	require.Len(t, after, 3)
	assert.Equal(t, "reload v2", after[0])
	assert.ElementsMatch(t, []string{"start " + tenantA, "start " + tenantB}, after[1:])

	for _, id := range []string{tenantA, tenantB} {
		info, ok := svc.TenantEngineManager().TenantEngineInfo(MustParseTenantID(id))
		require.True(t, ok)
		assert.Equal(t, int64(1), info.Restarts)
	}
}

func TestMultitenantMicroservice_GlobalUpdateDuringStartRestartsStartedEngines(t *testing.T) {
	idA := MustParseTenantID(tenantA)
	idB := MustParseTenantID(tenantB)
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	factory := newEngineFactory()
	factory.prepare = func(e *fakeEngine) {
		if e.id != idA {
			return
		}
		e.onStart = func() {
			once.Do(func() { close(entered) })
			<-gate
		}
	}
	restarter := &recordingRestarter{}
	svc := newTestMicroservice(t, factory, newMemCache(true), WithConfigurationRestarter(restarter))
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)
	svc.OnConfigurationAdded(tenantPath(tenantB, "tenant.yaml"), nil)
	require.NoError(t, svc.Initialize(context.Background()))

	started := make(chan error, 1)
	go func() { started <- svc.Start(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("engine A never started")
	}
	require.Eventually(t, func() bool { return factory.engine(idB).starts.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, lifecycle.StatusStarting, svc.TenantEngineManager().Status())

	reloaded := make(chan struct{})
	go func() {
		svc.OnConfigurationUpdated(testLayout.GlobalPath, []byte("v2"))
		close(reloaded)
	}()
	require.Eventually(t, func() bool { return factory.engine(idB).stops.Load() == 1 }, time.Second, time.Millisecond,
		"an engine already started on the old configuration is restarted")
	close(gate)

	require.NoError(t, <-started)
	<-reloaded
	assert.Equal(t, 1, restarter.count())
	for _, id := range []TenantID{idA, idB} {
		e := factory.engine(id)
		assert.Equal(t, int32(1), e.stops.Load(), id.String())
		assert.Equal(t, int32(2), e.starts.Load(), id.String())
		status, _ := svc.TenantEngineManager().TenantEngineStatus(id)
		assert.Equal(t, lifecycle.StatusStarted, status)
	}
}

func TestMultitenantMicroservice_GlobalUpdateWaitsForInitialLoad(t *testing.T) {
	cache := newMemCache(true)
	cache.put(testLayout.GlobalPath, []byte("v1"))
	gate := make(chan struct{})
	entered := make(chan struct{})
	order := &orderLog{}
	restarter := ConfigurationRestarterFunc(func(_ context.Context, payload []byte) error {
		if string(payload) == "v1" {
			close(entered)
			<-gate
		}
		order.add(string(payload))
		return nil
	})
	svc := newTestMicroservice(t, newEngineFactory(), cache, WithConfigurationRestarter(restarter))

	initialized := make(chan error, 1)
	go func() { initialized <- svc.Initialize(context.Background()) }()
	<-entered

	cache.put(testLayout.GlobalPath, []byte("v2"))
	updated := make(chan struct{})
	go func() {
		svc.OnConfigurationUpdated(testLayout.GlobalPath, []byte("v2"))
		close(updated)
	}()
	select {
	case <-updated:
		t.Fatal("global update applied while the initial load was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-initialized)
	<-updated
	assert.Equal(t, []string{"v1", "v2"}, order.list())
}

func TestMultitenantMicroservice_GlobalReloadFailureSkipsRestart(t *testing.T) {
	factory := newEngineFactory()
	restarter := &recordingRestarter{err: errors.New("bad global configuration")}
	logger := &captureLogger{}
	svc := startedMicroservice(t, factory, newMemCache(true), WithConfigurationRestarter(restarter), WithLogger(logger))
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)

	svc.OnConfigurationUpdated(testLayout.GlobalPath, []byte("broken"))

	assert.Equal(t, 1, restarter.count())
	info, _ := svc.TenantEngineManager().TenantEngineInfo(MustParseTenantID(tenantA))
	assert.Equal(t, int64(0), info.Restarts)
	assert.Equal(t, lifecycle.StatusStarted, svc.Status(), "a failed global reload does not stop the process")

	failures := logger.find("Configuration dispatch failed")
	require.Len(t, failures, 1)
	assert.Equal(t, testLayout.GlobalPath, failures[0].arg("path"))
	assert.Equal(t, ConfigurationUpdated, failures[0].arg("operation"))
}

func TestMultitenantMicroservice_GlobalPathAddAndDeleteAreIgnored(t *testing.T) {
	factory := newEngineFactory()
	restarter := &recordingRestarter{}
	svc := startedMicroservice(t, factory, newMemCache(true), WithConfigurationRestarter(restarter))

	svc.OnConfigurationAdded(testLayout.GlobalPath, []byte("a: 1"))
	svc.OnConfigurationDeleted(testLayout.GlobalPath)
	svc.OnConfigurationUpdated("/instance/other.yaml", []byte("a: 1"))

	assert.Equal(t, 0, restarter.count())
	assert.Equal(t, 0, svc.TenantEngineManager().Len())
}

func TestMultitenantMicroservice_MalformedPathIsLoggedNotRaised(t *testing.T) {
	factory := newEngineFactory()
	logger := &captureLogger{}
	metrics := NewMetrics("test")
	svc := startedMicroservice(t, factory, newMemCache(true), WithLogger(logger), WithMetrics(metrics))

	bad := "/tenants/not-a-tenant/devices.yaml"
	assert.NotPanics(t, func() {
		svc.OnConfigurationAdded(bad, []byte("x"))
		svc.OnConfigurationUpdated(bad, []byte("x"))
		svc.OnConfigurationDeleted(bad)
	})
	assert.Equal(t, 0, svc.TenantEngineManager().Len())

	failures := logger.find("Configuration dispatch failed")
	require.Len(t, failures, 3)
	assert.Equal(t, bad, failures[0].arg("path"))
	assert.Equal(t, ConfigurationAdded, failures[0].arg("operation"))

	derr, ok := failures[0].arg("error").(*ConfigurationDispatchError)
	require.True(t, ok)
	assert.ErrorIs(t, derr, ErrConfigurationDispatch)
	assert.ErrorIs(t, derr, ErrPathResolution)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatchFailures.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatchFailures.WithLabelValues("deleted")))
}

func TestMultitenantMicroservice_DeleteUnknownTenantIsNoOp(t *testing.T) {
	factory := newEngineFactory()
	logger := &captureLogger{}
	svc := startedMicroservice(t, factory, newMemCache(true), WithLogger(logger))

	svc.OnConfigurationDeleted(tenantPath(tenantC, "devices.yaml"))

	assert.Equal(t, 0, svc.TenantEngineManager().Len())
	assert.Equal(t, 0, factory.created(MustParseTenantID(tenantC)))
	assert.Empty(t, logger.find("Configuration dispatch failed"))
}

func TestMultitenantMicroservice_EmitsEvents(t *testing.T) {
	subject := NewEventSubject(nil)
	collector := newEventCollector("all")
	require.NoError(t, subject.RegisterObserver(collector))

	svc := startedMicroservice(t, newEngineFactory(), newMemCache(true), WithSubject(subject))
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)
	svc.OnConfigurationUpdated(testLayout.GlobalPath, []byte("a: 1"))

	for _, eventType := range []string{
		EventTypeMicroserviceStatus,
		EventTypeTenantEngineCreated,
		EventTypeTenantEngineStatus,
		EventTypeGlobalConfigReloaded,
		EventTypeTenantsRestarted,
	} {
		assert.Eventually(t, func() bool { return collector.hasType(eventType) }, time.Second, 5*time.Millisecond, eventType)
	}
}

func TestMultitenantMicroservice_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test")
	svc := startedMicroservice(t, newEngineFactory(), newMemCache(true), WithMetrics(metrics))
	require.NoError(t, metrics.Register(reg, svc.TenantEngineManager()))

	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)
	svc.OnConfigurationAdded(tenantPath(tenantB, "tenant.yaml"), nil)
	svc.OnConfigurationUpdated(testLayout.GlobalPath, []byte("a: 1"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.created))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.restarts))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.events.WithLabelValues("added", "tenant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.globalReloads.WithLabelValues("success")))

	count, err := testutil.GatherAndCount(reg, "test_tenant_engines")
	require.NoError(t, err)
	assert.Equal(t, int(lifecycle.StatusFailed)+1, count)
}

func TestMultitenantMicroservice_ProgressMonitor(t *testing.T) {
	monitor := lifecycle.NewRecordingMonitor()
	svc := startedMicroservice(t, newEngineFactory(), newMemCache(true), WithProgressMonitor(monitor))
	require.NoError(t, svc.Stop(context.Background()))

	var completed []string
	for _, ev := range monitor.Events() {
		if ev.Status == lifecycle.EventStatusCompleted {
			completed = append(completed, ev.Composite+"/"+ev.Step)
		}
	}
	name := svc.TenantEngineManager().Name()
	assert.Equal(t, []string{
		"Initialize device-management/Initialize " + name,
		"Start device-management/Start " + name,
		"Stop device-management/Stop " + name,
	}, completed)
}

func TestMultitenantMicroservice_RecoverySchedule(t *testing.T) {
	factory := newEngineFactory()
	factory.prepare = func(e *fakeEngine) { e.setFailure(lifecycle.OperationStart, errEngine) }
	svc := startedMicroservice(t, factory, newMemCache(true), WithRecoverySchedule("@every 1s"))
	defer func() { _ = svc.Stop(context.Background()) }()

	id := MustParseTenantID(tenantA)
	svc.OnConfigurationAdded(tenantPath(tenantA, "tenant.yaml"), nil)
	status, _ := svc.TenantEngineManager().TenantEngineStatus(id)
	require.Equal(t, lifecycle.StatusFailed, status)

	factory.engine(id).setFailure(lifecycle.OperationStart, nil)
	assert.Eventually(t, func() bool {
		_, err := svc.AssureTenantEngineAvailable(id)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
