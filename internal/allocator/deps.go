package allocator

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/provisioner"
)

// Store is the subset of catalog.Store the Allocator calls. Extracted so
// tests can substitute an in-memory fake for a live Postgres connection.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	ClaimEligibleNodes(ctx context.Context, db catalog.DBTX, k int) ([]catalog.Node, error)
	InsertLease(ctx context.Context, db catalog.DBTX, nodeID, tenantID int64, from, until time.Time, secret string) (int64, error)
	MarkAllocated(ctx context.Context, db catalog.DBTX, nodeID int64) error
	MarkFree(ctx context.Context, db catalog.DBTX, nodeID int64) error
	GetLeaseForUpdate(ctx context.Context, db catalog.DBTX, leaseID int64) (*catalog.LeaseJoinedRow, error)
	GetLease(ctx context.Context, leaseID int64) (*catalog.LeaseJoinedRow, error)
	DeactivateLease(ctx context.Context, db catalog.DBTX, leaseID int64) error
	UpdateLeaseEnd(ctx context.Context, db catalog.DBTX, leaseID int64, until time.Time) error
}

// Vault is the subset of vault.Vault the Allocator needs.
type Vault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

// Provisioner is the subset of provisioner.Adapter the Allocator needs.
type Provisioner interface {
	CreateUser(ctx context.Context, node provisioner.Endpoint, user, secret string) bool
	DeleteUser(ctx context.Context, node provisioner.Endpoint, user, secret string) bool
}
