package tenanthost

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// Metrics holds the host's Prometheus counters. A nil *Metrics is valid and
// records nothing.
//
// Exposed series, with namespace prefix:
//
//	<ns>_tenant_engines{status="STARTED"}              gauge, read from the manager on scrape
//	<ns>_tenant_engine_restarts_total                  counter
//	<ns>_tenant_engines_created_total                  counter
//	<ns>_tenant_engines_removed_total                  counter
//	<ns>_tenant_engine_transitions_total{status=...}   counter
//	<ns>_configuration_events_total{kind,scope}        counter
//	<ns>_configuration_dispatch_failures_total{kind}   counter
//	<ns>_global_configuration_reloads_total{result}    counter
type Metrics struct {
	namespace string

	restarts         prometheus.Counter
	created          prometheus.Counter
	removed          prometheus.Counter
	transitions      *prometheus.CounterVec
	events           *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	globalReloads    *prometheus.CounterVec
}

// NewMetrics creates the counters. namespace defaults to "tenanthost".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tenanthost"
	}
	return &Metrics{
		namespace: namespace,
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_engine_restarts_total",
			Help:      "Number of tenant engine restarts.",
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_engines_created_total",
			Help:      "Number of tenant engines created.",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_engines_removed_total",
			Help:      "Number of tenant engines removed by offboarding.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_engine_transitions_total",
			Help:      "Number of tenant engine status transitions by target status.",
		}, []string{"status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configuration_events_total",
			Help:      "Number of configuration notifications dispatched.",
		}, []string{"kind", "scope"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configuration_dispatch_failures_total",
			Help:      "Number of configuration notifications that failed to dispatch.",
		}, []string{"kind"}),
		globalReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "global_configuration_reloads_total",
			Help:      "Number of global configuration reloads by result.",
		}, []string{"result"}),
	}
}

// Register registers the counters and, when manager is not nil, a collector
// exposing the engine count per status.
func (m *Metrics) Register(reg prometheus.Registerer, manager *TenantEngineManager) error {
	collectors := []prometheus.Collector{
		m.restarts, m.created, m.removed, m.transitions,
		m.events, m.dispatchFailures, m.globalReloads,
	}
	if manager != nil {
		collectors = append(collectors, NewEngineStatusCollector(manager, m.namespace))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}

func (m *Metrics) engineRestarted() {
	if m != nil {
		m.restarts.Inc()
	}
}

func (m *Metrics) engineCreated() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *Metrics) engineRemoved() {
	if m != nil {
		m.removed.Inc()
	}
}

func (m *Metrics) engineTransition(_, to lifecycle.Status) {
	if m != nil {
		m.transitions.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) configurationEvent(kind ConfigurationEventKind, scope PathScope) {
	if m != nil {
		m.events.WithLabelValues(kind.String(), scope.String()).Inc()
	}
}

func (m *Metrics) dispatchFailed(kind ConfigurationEventKind) {
	if m != nil {
		m.dispatchFailures.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) globalReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.globalReloads.WithLabelValues(result).Inc()
}

// EngineStatusCollector implements prometheus.Collector over the manager's
// engine table. Values are computed on scrape.
type EngineStatusCollector struct {
	manager *TenantEngineManager
	desc    *prometheus.Desc
}

// NewEngineStatusCollector creates a collector for manager.
func NewEngineStatusCollector(manager *TenantEngineManager, namespace string) *EngineStatusCollector {
	if namespace == "" {
		namespace = "tenanthost"
	}
	return &EngineStatusCollector{
		manager: manager,
		desc: prometheus.NewDesc(
			namespace+"_tenant_engines",
			"Number of tracked tenant engines by status.",
			[]string{"status"}, nil,
		),
	}
}

// Describe sends metric descriptors.
func (c *EngineStatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect emits one gauge per lifecycle status, including zero counts.
func (c *EngineStatusCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[lifecycle.Status]int)
	for _, e := range c.manager.snapshot() {
		counts[e.Status()]++
	}
	for s := lifecycle.StatusUninitialized; s <= lifecycle.StatusFailed; s++ {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
}
