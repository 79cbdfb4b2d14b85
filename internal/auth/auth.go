// Package auth resolves the caller of a tenant-facing API request into a
// Principal and enforces role-based access on top of it. It deliberately
// covers only what the Reconciliation Core needs to evaluate permission
// predicates (spec.md §9's "explicit request context" design note) — it is
// not a general authentication system.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Roles recognised by the control plane.
const (
	RoleAdmin  = "admin"
	RoleTenant = "tenant"
)

// Principal is the authenticated caller passed explicitly into Allocator
// operations. Permission predicates are pure functions of (Principal, Lease).
type Principal struct {
	ID     int64  // tenant id, 0 for the admin principal
	Handle string // OS user name used for provisioning
	Role   string // RoleAdmin or RoleTenant
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type ctxKey string

const principalKey ctxKey = "principal"

// NewContext stores the principal in the context.
func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal from the context. Returns nil if none is set.
func FromContext(ctx context.Context) *Principal {
	v, _ := ctx.Value(principalKey).(*Principal)
	return v
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
