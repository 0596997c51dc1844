package openmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTenantID(t *testing.T) {
	for _, raw := range []string{"", "  ", "anonymous", "PUBLIC", "null", "NULL"} {
		scope := NormalizeTenantID(raw)
		assert.Nil(t, scope.Tenant, "raw=%q", raw)
		assert.False(t, scope.All, "raw=%q", raw)
	}

	assert.True(t, NormalizeTenantID("system").All)
	assert.True(t, NormalizeTenantID(" System ").All)

	scope := NormalizeTenantID(" alice ")
	require.NotNil(t, scope.Tenant)
	assert.Equal(t, "alice", *scope.Tenant)
}

func TestScopeMatches(t *testing.T) {
	alice := "alice"
	bob := "bob"

	assert.True(t, ScopeFor("alice").Matches(&alice))
	assert.False(t, ScopeFor("alice").Matches(&bob))
	assert.False(t, ScopeFor("alice").Matches(nil))
	assert.True(t, SystemScope().Matches(nil))
	assert.False(t, SystemScope().Matches(&alice))
	assert.True(t, AllTenants().Matches(&alice))
	assert.True(t, AllTenants().Matches(nil))
}

func TestResolveTenantOverride(t *testing.T) {
	sc := TenantContext("alice")

	// No override: own scope.
	scope, err := sc.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", *scope.Tenant)

	// Naming your own tenant is fine.
	own := ScopeFor("alice")
	_, err = sc.Resolve(&own)
	require.NoError(t, err)

	// Another tenant is refused.
	other := ScopeFor("bob")
	_, err = sc.Resolve(&other)
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, CodeOf(err))

	// So is the cross-tenant selector.
	all := AllTenants()
	_, err = sc.Resolve(&all)
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, CodeOf(err))
}

func TestResolveAdmin(t *testing.T) {
	admin := AdminContext()

	scope, err := admin.Resolve(nil)
	require.NoError(t, err)
	assert.True(t, scope.All)

	bob := ScopeFor("bob")
	scope, err = admin.Resolve(&bob)
	require.NoError(t, err)
	assert.Equal(t, "bob", *scope.Tenant)
}

func TestNonAdminNeverGetsAllScope(t *testing.T) {
	sc := SecurityContext{AllTenants: true} // forged flag without admin
	assert.False(t, sc.Scope().All)
}
