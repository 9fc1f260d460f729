package tenanthost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

func TestAggregateHealth(t *testing.T) {
	assert.Equal(t, HealthStatusHealthy, AggregateHealth(nil))
	assert.Equal(t, HealthStatusDegraded, AggregateHealth([]HealthReport{
		{Status: HealthStatusHealthy}, {Status: HealthStatusDegraded},
	}))
	assert.Equal(t, HealthStatusUnhealthy, AggregateHealth([]HealthReport{
		{Status: HealthStatusUnhealthy}, {Status: HealthStatusDegraded}, {Status: HealthStatusHealthy},
	}))
}

func TestHealthStatus_Text(t *testing.T) {
	text, err := HealthStatusUnhealthy.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", string(text))
	assert.True(t, HealthStatusHealthy.IsHealthy())
	assert.False(t, HealthStatusDegraded.IsHealthy())
}

func TestHealthFromStatus(t *testing.T) {
	assert.Equal(t, HealthStatusHealthy, healthFromStatus(lifecycle.StatusStarted))
	assert.Equal(t, HealthStatusUnhealthy, healthFromStatus(lifecycle.StatusFailed))
	assert.Equal(t, HealthStatusDegraded, healthFromStatus(lifecycle.StatusStarting))
	assert.Equal(t, HealthStatusDegraded, healthFromStatus(lifecycle.StatusUninitialized))
}

func TestFailedEngineRecovery_RunOnce(t *testing.T) {
	factory := newEngineFactory()
	factory.prepare = func(e *fakeEngine) { e.setFailure(lifecycle.OperationStart, errEngine) }
	m := startedManager(t, factory)
	id := MustParseTenantID(tenantA)
	require.Error(t, m.OnConfigurationAdded(context.Background(), TenantPathInfo{TenantID: id}, nil))

	r, err := NewFailedEngineRecovery("*/5 * * * *", m, nil)
	require.NoError(t, err)

	r.RunOnce()
	status, _ := m.TenantEngineStatus(id)
	assert.Equal(t, lifecycle.StatusFailed, status)

	factory.engine(id).setFailure(lifecycle.OperationStart, nil)
	r.RunOnce()
	status, _ = m.TenantEngineStatus(id)
	assert.Equal(t, lifecycle.StatusStarted, status)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	_, err = NewFailedEngineRecovery("every now and then", m, nil)
	assert.Error(t, err)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.engineCreated()
		m.engineRemoved()
		m.engineRestarted()
		m.engineTransition(lifecycle.StatusStarting, lifecycle.StatusStarted)
		m.configurationEvent(ConfigurationAdded, PathScopeTenant)
		m.dispatchFailed(ConfigurationDeleted)
		m.globalReload(nil)
	})
}
