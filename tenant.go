// Package tenanthost is the control-plane core of a multi-tenant service host.
//
// A host process owns zero or more isolated tenant engines, drives them through
// an initialize → start → stop lifecycle, and keeps each one synchronized with
// configuration stored in an external coordination store.
//
// Key concepts:
//   - TenantID: 128-bit identifier of a tenant
//   - TenantEngine: the isolated runtime unit serving one tenant
//   - TenantEngineManager: owns the table of engines and drives their lifecycle
//   - MultitenantMicroservice: top-level orchestrator and single entry point
//     for configuration change notifications
//   - PathLayout / TenantPathInfo: classify configuration paths as global or
//     tenant-scoped
//
// Example setup:
//
//	cache := configstore.NewCache(logger)
//	svc, err := tenanthost.NewMultitenantMicroservice("device-management",
//	    tenanthost.PathLayout{GlobalPath: "/instance/global.yaml", TenantsRoot: "/tenants"},
//	    newDeviceEngine,
//	    tenanthost.WithLogger(logger),
//	    tenanthost.WithConfigurationCache(cache),
//	)
//	cache.SetListener(svc)
package tenanthost

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TenantID is the unique, immutable identifier of a tenant.
type TenantID uuid.UUID

// NilTenantID is the zero tenant id.
var NilTenantID TenantID

// NewTenantID generates a random tenant id.
func NewTenantID() TenantID {
	return TenantID(uuid.New())
}

// ParseTenantID parses the canonical 36 character form of a tenant id.
// Other encodings accepted by uuid.Parse (braces, urn prefix, upper case) are
// rejected so that ids round-trip through configuration paths unchanged.
func ParseTenantID(s string) (TenantID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilTenantID, fmt.Errorf("invalid tenant id %q: %w", s, err)
	}
	if id.String() != s {
		return NilTenantID, fmt.Errorf("invalid tenant id %q: not in canonical form", s)
	}
	return TenantID(id), nil
}

// MustParseTenantID is like ParseTenantID but panics on error.
func MustParseTenantID(s string) TenantID {
	id, err := ParseTenantID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical form of the id.
func (id TenantID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero id.
func (id TenantID) IsNil() bool {
	return id == NilTenantID
}

// TenantContext is a context that carries the tenant an operation belongs to.
type TenantContext struct {
	context.Context
	tenantID TenantID
}

// NewTenantContext creates a new context with tenant information.
func NewTenantContext(ctx context.Context, tenantID TenantID) *TenantContext {
	return &TenantContext{
		Context:  ctx,
		tenantID: tenantID,
	}
}

// GetTenantID returns the tenant ID from the context.
func (tc *TenantContext) GetTenantID() TenantID {
	return tc.tenantID
}

// GetTenantIDFromContext attempts to extract tenant ID from a context.
// Returns the tenant ID and true if the context is a TenantContext,
// or the nil id and false if it's not a tenant-aware context.
func GetTenantIDFromContext(ctx context.Context) (TenantID, bool) {
	if tc, ok := ctx.(*TenantContext); ok {
		return tc.GetTenantID(), true
	}
	return NilTenantID, false
}

// TenantEngine is the isolated runtime unit serving one tenant. Its domain
// logic is opaque to the host; only lifecycle hooks and configuration
// notifications for its own relative paths are visible.
//
// The manager never calls two methods of the same engine concurrently.
type TenantEngine interface {
	// Initialize prepares the engine. It is called before Start and again
	// before every restart.
	Initialize(ctx context.Context) error

	// Start begins serving the tenant.
	Start(ctx context.Context) error

	// Stop shuts the engine down. It may be called on a FAILED engine.
	Stop(ctx context.Context) error

	// OnConfigurationAdded is called when a path under the tenant's subtree
	// is created. Redelivery of the same addition must be tolerated.
	OnConfigurationAdded(ctx context.Context, relativePath string, payload []byte) error

	// OnConfigurationUpdated is called when a path under the tenant's
	// subtree changes.
	OnConfigurationUpdated(ctx context.Context, relativePath string, payload []byte) error

	// OnConfigurationDeleted is called when a path under the tenant's
	// subtree is removed.
	OnConfigurationDeleted(ctx context.Context, relativePath string) error
}

// TenantEngineFactory constructs the engine for a tenant. It must not block
// on external resources; heavy work belongs in Initialize.
type TenantEngineFactory func(tenantID TenantID) (TenantEngine, error)

// DataBuilderProvider is implemented by engines that expose a builder object
// to data initializers under the "builder" binding.
type DataBuilderProvider interface {
	DataBuilder() any
}
