package tenanthost

import (
	"time"

	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

// HealthStatus represents the health state of a component.
type HealthStatus int

const (
	// HealthStatusUnknown indicates that the health status cannot be determined.
	HealthStatusUnknown HealthStatus = iota

	// HealthStatusHealthy indicates that the component is operating normally
	// and ready to serve requests.
	HealthStatusHealthy

	// HealthStatusDegraded indicates that the component exists but is not
	// serving yet, or is between lifecycle states.
	HealthStatusDegraded

	// HealthStatusUnhealthy indicates that the component failed.
	HealthStatusUnhealthy
)

// String returns the string representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// IsHealthy returns true if the status represents a healthy state
func (s HealthStatus) IsHealthy() bool {
	return s == HealthStatusHealthy
}

// MarshalText encodes the status by name.
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthReport describes the health of one component.
type HealthReport struct {
	// Module is the component owning the check, the manager name for
	// tenant engines.
	Module string `json:"module"`

	// Component identifies the checked unit, the tenant id for engines.
	Component string `json:"component,omitempty"`

	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`

	// CheckedAt indicates when the report was produced.
	CheckedAt time.Time `json:"checkedAt"`

	// ObservedSince indicates when the underlying lifecycle status was
	// entered.
	ObservedSince time.Time `json:"observedSince"`

	Details map[string]any `json:"details,omitempty"`
}

// healthFromStatus maps a lifecycle status to a health status.
func healthFromStatus(s lifecycle.Status) HealthStatus {
	switch s {
	case lifecycle.StatusStarted:
		return HealthStatusHealthy
	case lifecycle.StatusFailed:
		return HealthStatusUnhealthy
	default:
		return HealthStatusDegraded
	}
}

// HealthReports returns one report per tracked engine ordered by tenant id.
func (m *TenantEngineManager) HealthReports() []HealthReport {
	now := time.Now()
	infos := m.TenantEngines()
	reports := make([]HealthReport, 0, len(infos))
	for _, info := range infos {
		report := HealthReport{
			Module:        m.name,
			Component:     info.TenantID.String(),
			Status:        healthFromStatus(info.Status),
			Message:       info.StatusName,
			CheckedAt:     now,
			ObservedSince: info.StatusSince,
			Details: map[string]any{
				"restarts":        info.Restarts,
				"dataInitialized": info.DataInitialized,
			},
		}
		if info.LastError != "" {
			report.Message = info.StatusName + ": " + info.LastError
		}
		reports = append(reports, report)
	}
	return reports
}

// AggregateHealth returns the worst status across reports. No reports yield
// healthy.
func AggregateHealth(reports []HealthReport) HealthStatus {
	worst := HealthStatusHealthy
	for _, r := range reports {
		if r.Status > worst {
			worst = r.Status
		}
	}
	return worst
}
