package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

const (
	startedTenant = "11111111-1111-1111-1111-111111111111"
	failedTenant  = "22222222-2222-2222-2222-222222222222"
	unknownTenant = "33333333-3333-3333-3333-333333333333"
)

type fakeHost struct {
	status  lifecycle.Status
	ready   bool
	engines map[tenanthost.TenantID]tenanthost.TenantEngineInfo
}

func newFakeHost() *fakeHost {
	h := &fakeHost{
		status:  lifecycle.StatusStarted,
		ready:   true,
		engines: map[tenanthost.TenantID]tenanthost.TenantEngineInfo{},
	}
	h.add(startedTenant, lifecycle.StatusStarted)
	h.add(failedTenant, lifecycle.StatusFailed)
	return h
}

func (h *fakeHost) add(id string, status lifecycle.Status) {
	tid := tenanthost.MustParseTenantID(id)
	h.engines[tid] = tenanthost.TenantEngineInfo{TenantID: tid, Status: status, StatusName: status.String()}
}

func (h *fakeHost) Name() string             { return "orders" }
func (h *fakeHost) Status() lifecycle.Status { return h.status }
func (h *fakeHost) Ready() bool              { return h.ready }

func (h *fakeHost) AssureTenantEngineAvailable(id tenanthost.TenantID) (tenanthost.TenantEngine, error) {
	info, ok := h.engines[id]
	if !ok {
		return nil, &tenanthost.TenantEngineNotAvailableError{TenantID: id}
	}
	if info.Status != lifecycle.StatusStarted {
		return nil, &tenanthost.TenantEngineNotAvailableError{TenantID: id, Known: true, Status: info.Status}
	}
	return nil, nil
}

func (h *fakeHost) TenantEngines() []tenanthost.TenantEngineInfo {
	return []tenanthost.TenantEngineInfo{
		h.engines[tenanthost.MustParseTenantID(startedTenant)],
		h.engines[tenanthost.MustParseTenantID(failedTenant)],
	}
}

func (h *fakeHost) TenantEngineInfo(id tenanthost.TenantID) (tenanthost.TenantEngineInfo, bool) {
	info, ok := h.engines[id]
	return info, ok
}

func (h *fakeHost) HealthReports() []tenanthost.HealthReport {
	return []tenanthost.HealthReport{
		{Module: "orders", Component: startedTenant, Status: tenanthost.HealthStatusHealthy},
		{Module: "orders", Component: failedTenant, Status: tenanthost.HealthStatusUnhealthy},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestServer_Health(t *testing.T) {
	host := newFakeHost()
	srv := NewServer(host, host)

	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "orders", body["microservice"])
	assert.Equal(t, "STARTED", body["status"])
	assert.Equal(t, "unhealthy", body["tenants"])
	assert.Len(t, body["reports"], 2)

	host.status = lifecycle.StatusFailed
	rec = get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Ready(t *testing.T) {
	host := newFakeHost()
	srv := NewServer(host, host)

	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/readyz").Code)

	host.ready = false
	rec := get(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, false, body["ready"])
}

func TestServer_ListTenants(t *testing.T) {
	host := newFakeHost()
	srv := NewServer(host, host)

	rec := get(t, srv.Handler(), "/tenants")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []map[string]any
	decode(t, rec, &infos)
	require.Len(t, infos, 2)
	assert.Equal(t, startedTenant, infos[0]["tenantId"])
	assert.Equal(t, "STARTED", infos[0]["status"])
	assert.Equal(t, "FAILED", infos[1]["status"])
}

func TestServer_GetTenant(t *testing.T) {
	host := newFakeHost()
	srv := NewServer(host, host)

	tests := []struct {
		name       string
		path       string
		code       int
		retryAfter string
	}{
		{name: "started", path: "/tenants/" + startedTenant, code: http.StatusOK},
		{name: "not started", path: "/tenants/" + failedTenant, code: http.StatusServiceUnavailable, retryAfter: "5"},
		{name: "unknown", path: "/tenants/" + unknownTenant, code: http.StatusNotFound},
		{name: "malformed id", path: "/tenants/not-a-uuid", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv.Handler(), tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	host := newFakeHost()
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := NewServer(host, host, WithGatherer(reg))
	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin_test_total 1")

	without := NewServer(host, host)
	assert.Equal(t, http.StatusNotFound, get(t, without.Handler(), "/metrics").Code)
}

func TestServer_ServeStopsWithContext(t *testing.T) {
	host := newFakeHost()
	srv := NewServer(host, host)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
