// Package admin serves the host's operational HTTP API: liveness,
// readiness, tenant engine listing and availability, and Prometheus
// metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// RetryAfter is advertised when a tenant engine is not available yet.
const RetryAfter = 5 * time.Second

// Host is the part of a multitenant microservice the API reads.
type Host interface {
	Name() string
	Status() lifecycle.Status
	Ready() bool
	AssureTenantEngineAvailable(id tenanthost.TenantID) (tenanthost.TenantEngine, error)
}

// Engines exposes the tenant engine table.
type Engines interface {
	TenantEngines() []tenanthost.TenantEngineInfo
	TenantEngineInfo(id tenanthost.TenantID) (tenanthost.TenantEngineInfo, bool)
	HealthReports() []tenanthost.HealthReport
}

// Server is the admin HTTP server.
type Server struct {
	host     Host
	engines  Engines
	logger   tenanthost.Logger
	gatherer prometheus.Gatherer
	router   chi.Router

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger tenanthost.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer exposes gatherer at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer builds the router. Use Handler to serve it elsewhere or
// ListenAndServe to run a dedicated listener.
func NewServer(host Host, engines Engines, opts ...Option) *Server {
	s := &Server{host: host, engines: engines, logger: tenanthost.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Route("/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Get("/{tenantID}", s.handleGetTenant)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Admin server listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

type healthResponse struct {
	Microservice string                    `json:"microservice"`
	Status       string                    `json:"status"`
	Tenants      tenanthost.HealthStatus   `json:"tenants"`
	Reports      []tenanthost.HealthReport `json:"reports"`
}

// handleHealth reports liveness: only a FAILED microservice is unhealthy.
// Tenant engine health is informational.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	reports := s.engines.HealthReports()
	status := s.host.Status()
	code := http.StatusOK
	if status == lifecycle.StatusFailed {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, healthResponse{
		Microservice: s.host.Name(),
		Status:       status.String(),
		Tenants:      tenanthost.AggregateHealth(reports),
		Reports:      reports,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	if !s.host.Ready() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"ready":  s.host.Ready(),
		"status": s.host.Status().String(),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engines.TenantEngines())
}

// handleGetTenant answers 200 for a STARTED engine, 503 with Retry-After
// for a known engine that is not started, and 404 for an unknown tenant.
func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, err := tenanthost.ParseTenantID(chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	_, err = s.host.AssureTenantEngineAvailable(id)
	info, known := s.engines.TenantEngineInfo(id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, info)
	case !known:
		s.writeError(w, http.StatusNotFound, err)
	case tenanthost.IsNotAvailable(err):
		w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
		s.writeJSON(w, http.StatusServiceUnavailable, info)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write admin response", "error", err)
	}
}
