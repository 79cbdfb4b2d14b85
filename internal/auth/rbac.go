package auth

import "net/http"

// RequireAdmin rejects requests whose principal is not the admin principal.
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(RoleAdmin)(next)
}

// CanAccessLease reports whether p may read or mutate the given tenant's
// lease: the admin principal may act on any tenant, a tenant principal only
// on its own.
func CanAccessLease(p *Principal, leaseTenantID int64) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	return p.ID == leaseTenantID
}
