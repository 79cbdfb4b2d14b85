package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// APIKeyRow is a row from the api_keys table.
type APIKeyRow struct {
	ID        uuid.UUID
	TenantID  int64
	KeyHash   string
	Role      string
	CreatedAt time.Time
}

// APIKeyAuthenticator validates API keys against the api_keys table.
type APIKeyAuthenticator struct {
	pool *pgxpool.Pool
}

// NewAPIKeyAuthenticator creates an authenticator backed by the given pool.
func NewAPIKeyAuthenticator(pool *pgxpool.Pool) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{pool: pool}
}

// Authenticate hashes the raw key, looks it up, and returns the resolved Principal.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*Principal, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	hash := HashAPIKey(rawKey)

	var row APIKeyRow
	var tenantID *int64
	var handle *string
	err := a.pool.QueryRow(ctx, `
		SELECT k.id, k.tenant_id, k.role, k.created_at, t.handle
		FROM api_keys k
		LEFT JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1
	`, hash).Scan(&row.ID, &tenantID, &row.Role, &row.CreatedAt, &handle)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("invalid API key")
		}
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	p := &Principal{Role: row.Role}
	if tenantID != nil {
		p.ID = *tenantID
	}
	if handle != nil {
		p.Handle = *handle
	}
	return p, nil
}

// AdminKeyExists reports whether any admin-role API key has been issued.
func (a *APIKeyAuthenticator) AdminKeyExists(ctx context.Context) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM api_keys WHERE role = $1)`, RoleAdmin).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking for admin key: %w", err)
	}
	return exists, nil
}

// Create inserts a new API key row and returns its id.
func (a *APIKeyAuthenticator) Create(ctx context.Context, tenantID *int64, rawKey, role string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := a.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_hash, role, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, id, tenantID, HashAPIKey(rawKey), role)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating API key: %w", err)
	}
	return id, nil
}
