package openmemory

import "strings"

// TenantScope is the effective tenant filter applied to every table and
// vector operation. Tenant == nil selects the system/global bucket; All
// (admin only) selects every tenant.
type TenantScope struct {
	Tenant *string
	All    bool
}

// SystemScope returns the scope for the system/global bucket.
func SystemScope() TenantScope { return TenantScope{} }

// ScopeFor returns the scope for a single tenant.
func ScopeFor(tenant string) TenantScope { return TenantScope{Tenant: &tenant} }

// AllTenants returns the admin-only cross-tenant scope.
func AllTenants() TenantScope { return TenantScope{All: true} }

// Matches reports whether a row's tenant column value falls inside the scope.
func (s TenantScope) Matches(rowTenant *string) bool {
	if s.All {
		return true
	}
	if s.Tenant == nil {
		return rowTenant == nil
	}
	return rowTenant != nil && *rowTenant == *s.Tenant
}

// Key returns a map key for the scope's tenant ("" for the system bucket).
func (s TenantScope) Key() string {
	if s.Tenant == nil {
		return ""
	}
	return *s.Tenant
}

// SecurityContext is the immutable per-request identity threaded through
// every core call. Never read tenant or admin state from anywhere else.
type SecurityContext struct {
	Tenant     *string
	AllTenants bool // admin-only "any tenant" selector
	Scopes     map[string]struct{}
	IsAdmin    bool
	RequestID  string
	IP         string
	UserAgent  string
}

// SystemContext returns an admin context bound to the system bucket.
func SystemContext() SecurityContext {
	return SecurityContext{IsAdmin: true}
}

// AdminContext returns an admin context spanning every tenant.
func AdminContext() SecurityContext {
	return SecurityContext{IsAdmin: true, AllTenants: true}
}

// TenantContext returns a non-admin context for one tenant.
func TenantContext(tenant string) SecurityContext {
	return SecurityContext{Tenant: &tenant}
}

// HasScope reports whether the context carries a named scope. Admins pass
// every scope check.
func (sc SecurityContext) HasScope(name string) bool {
	if sc.IsAdmin {
		return true
	}
	_, ok := sc.Scopes[name]
	return ok
}

// Scope returns the context's own effective tenant scope.
func (sc SecurityContext) Scope() TenantScope {
	if sc.AllTenants {
		if sc.IsAdmin {
			return AllTenants()
		}
		// Non-admins never get the cross-tenant selector.
		return TenantScope{Tenant: sc.Tenant}
	}
	return TenantScope{Tenant: sc.Tenant}
}

// Resolve applies an optional explicit tenant override. Non-admins may only
// name their own tenant; anything else is refused.
func (sc SecurityContext) Resolve(explicit *TenantScope) (TenantScope, error) {
	if explicit == nil {
		return sc.Scope(), nil
	}
	if sc.IsAdmin {
		return *explicit, nil
	}
	if explicit.All {
		return TenantScope{}, Errf(CodeForbidden, "cross-tenant scope requires admin")
	}
	own := sc.Scope()
	if !own.Matches(explicit.Tenant) {
		return TenantScope{}, Errf(CodeForbidden, "tenant mismatch")
	}
	return *explicit, nil
}

// NormalizeTenantID maps raw tenant identifiers onto the canonical scope.
// Empty-ish aliases select the system bucket; "system" selects every tenant
// (meaningful only for admins, enforced by Resolve).
func NormalizeTenantID(raw string) TenantScope {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "", "anonymous", "public", "null":
		return SystemScope()
	case "system":
		return AllTenants()
	}
	return ScopeFor(trimmed)
}
