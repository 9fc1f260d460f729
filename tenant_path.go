package tenanthost

import (
	"fmt"
	"path"
	"strings"
)

// PathScope classifies a configuration path.
type PathScope int

const (
	// PathScopeGlobal marks process-wide (non-tenant) configuration.
	PathScopeGlobal PathScope = iota
	// PathScopeTenant marks configuration that belongs to one tenant.
	PathScopeTenant
)

func (s PathScope) String() string {
	if s == PathScopeTenant {
		return "tenant"
	}
	return "global"
}

// PathLayout is the path convention of a host: the single global
// configuration path and the root of the per-tenant subtree. Tenant paths
// have the form <TenantsRoot>/<tenant id>[/<relative path>].
type PathLayout struct {
	GlobalPath  string `yaml:"globalPath" json:"globalPath" toml:"globalPath"`
	TenantsRoot string `yaml:"tenantsRoot" json:"tenantsRoot" toml:"tenantsRoot"`
}

// Validate checks that both paths are absolute, clean and non-overlapping.
func (l PathLayout) Validate() error {
	for name, p := range map[string]string{"global path": l.GlobalPath, "tenants root": l.TenantsRoot} {
		if !strings.HasPrefix(p, "/") || p == "/" || path.Clean(p) != p {
			return fmt.Errorf("%w: %s %q must be an absolute, clean, non-root path", ErrInvalidPathLayout, name, p)
		}
	}
	if l.GlobalPath == l.TenantsRoot || strings.HasPrefix(l.GlobalPath, l.TenantsRoot+"/") {
		return fmt.Errorf("%w: global path %q lies inside tenants root %q", ErrInvalidPathLayout, l.GlobalPath, l.TenantsRoot)
	}
	return nil
}

// IsGlobalConfigurationPath reports whether p is exactly the global path.
func (l PathLayout) IsGlobalConfigurationPath(p string) bool {
	return p == l.GlobalPath
}

// TenantPathInfo is a tenant-scoped path decomposed into its tenant and the
// path relative to the tenant's root. RelativePath is empty for the tenant
// root itself.
type TenantPathInfo struct {
	TenantID     TenantID
	RelativePath string
}

// IsTenantRoot reports whether the info refers to the tenant root path.
func (i TenantPathInfo) IsTenantRoot() bool {
	return i.RelativePath == ""
}

// Compute classifies rawPath. Paths outside the tenant subtree are global.
// Paths inside it must carry a canonical tenant id segment followed by an
// optional clean relative path; anything else yields a *PathResolutionError.
// Compute is pure.
func (l PathLayout) Compute(rawPath string) (TenantPathInfo, PathScope, error) {
	if rawPath == l.GlobalPath {
		return TenantPathInfo{}, PathScopeGlobal, nil
	}

	if rawPath == l.TenantsRoot {
		return TenantPathInfo{}, PathScopeTenant, &PathResolutionError{Path: rawPath, Reason: "missing tenant id segment"}
	}
	prefix := l.TenantsRoot + "/"
	if !strings.HasPrefix(rawPath, prefix) {
		return TenantPathInfo{}, PathScopeGlobal, nil
	}

	rest := rawPath[len(prefix):]
	segment, relative, hasRelative := strings.Cut(rest, "/")
	if segment == "" {
		return TenantPathInfo{}, PathScopeTenant, &PathResolutionError{Path: rawPath, Reason: "missing tenant id segment"}
	}

	id, err := ParseTenantID(segment)
	if err != nil {
		return TenantPathInfo{}, PathScopeTenant, &PathResolutionError{Path: rawPath, Reason: "invalid tenant id segment", Err: err}
	}

	if hasRelative {
		if relative == "" {
			return TenantPathInfo{}, PathScopeTenant, &PathResolutionError{Path: rawPath, Reason: "truncated relative path"}
		}
		if path.Clean(relative) != relative || strings.HasPrefix(relative, "../") || relative == ".." {
			return TenantPathInfo{}, PathScopeTenant, &PathResolutionError{Path: rawPath, Reason: "relative path is not clean"}
		}
	}

	return TenantPathInfo{TenantID: id, RelativePath: relative}, PathScopeTenant, nil
}

// TenantPath reconstructs the raw path for info. For every path accepted by
// Compute, TenantPath(Compute(p)) == p.
func (l PathLayout) TenantPath(info TenantPathInfo) string {
	p := l.TenantsRoot + "/" + info.TenantID.String()
	if info.RelativePath != "" {
		p += "/" + info.RelativePath
	}
	return p
}
