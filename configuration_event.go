package tenanthost

import (
	"context"
	"time"
)

// ConfigurationEventKind tags a configuration change notification.
type ConfigurationEventKind int

const (
	ConfigurationAdded ConfigurationEventKind = iota
	ConfigurationUpdated
	ConfigurationDeleted
)

func (k ConfigurationEventKind) String() string {
	switch k {
	case ConfigurationAdded:
		return "added"
	case ConfigurationUpdated:
		return "updated"
	case ConfigurationDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ConfigurationEvent is one change notification for a raw configuration
// path. Payload is nil for deletions.
type ConfigurationEvent struct {
	Kind    ConfigurationEventKind
	Path    string
	Payload []byte
}

// ConfigurationListener receives configuration change notifications. Delivery
// is fire-and-forget: implementations handle and log their own failures.
type ConfigurationListener interface {
	OnConfigurationAdded(path string, payload []byte)
	OnConfigurationUpdated(path string, payload []byte)
	OnConfigurationDeleted(path string)
}

// ConfigurationCache is the local mirror of the coordination store as seen
// by the microservice.
type ConfigurationCache interface {
	// IsReady reports whether the initial load has completed.
	IsReady() bool

	// WaitReady blocks until the initial load completes or ctx is done.
	WaitReady(ctx context.Context) error

	// Get returns the cached payload for path.
	Get(path string) ([]byte, bool)
}

// ConfigurationRestarter reloads process-level configuration after the
// global configuration path changes.
type ConfigurationRestarter interface {
	RestartConfiguration(ctx context.Context, payload []byte) error
}

// ConfigurationRestarterFunc adapts a function to ConfigurationRestarter.
type ConfigurationRestarterFunc func(ctx context.Context, payload []byte) error

func (f ConfigurationRestarterFunc) RestartConfiguration(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// DefaultConfigurationReadyTimeout bounds the wait for the configuration
// cache during initialization.
const DefaultConfigurationReadyTimeout = 2 * time.Minute
