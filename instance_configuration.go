package tenanthost

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// InstanceConfiguration holds the process-level configuration published at
// the global configuration path. It is the default ConfigurationRestarter of
// a MultitenantMicroservice.
type InstanceConfiguration struct {
	mu       sync.RWMutex
	raw      []byte
	settings map[string]any
	version  int64
	loadedAt time.Time
}

// NewInstanceConfiguration creates an empty configuration at version zero.
func NewInstanceConfiguration() *InstanceConfiguration {
	return &InstanceConfiguration{settings: map[string]any{}}
}

// RestartConfiguration replaces the configuration with payload, which must
// be a YAML mapping. On error the previous configuration is kept.
func (c *InstanceConfiguration) RestartConfiguration(_ context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrGlobalConfigMissing
	}
	settings := map[string]any{}
	if err := yaml.Unmarshal(payload, &settings); err != nil {
		return fmt.Errorf("decode instance configuration: %w", err)
	}

	raw := make([]byte, len(payload))
	copy(raw, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = raw
	c.settings = settings
	c.version++
	c.loadedAt = time.Now()
	return nil
}

// Version increments on every successful reload.
func (c *InstanceConfiguration) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// LoadedAt returns when the current version was loaded.
func (c *InstanceConfiguration) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Settings returns a shallow copy of the decoded top-level settings.
func (c *InstanceConfiguration) Settings() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.settings)
}

// Decode unmarshals the current YAML payload into out.
func (c *InstanceConfiguration) Decode(out any) error {
	c.mu.RLock()
	raw := c.raw
	c.mu.RUnlock()
	if raw == nil {
		return ErrGlobalConfigMissing
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode instance configuration: %w", err)
	}
	return nil
}
