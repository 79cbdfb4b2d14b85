package reconciler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/provisioner"
)

// Store is the subset of catalog.Store the four reconciliation loops call.
// Extracted so tests can substitute an in-memory fake for a live Postgres
// connection.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	PoolUtilization(ctx context.Context) (float64, error)

	ClaimStaleNodes(ctx context.Context, db catalog.DBTX, now time.Time, stalePeriod time.Duration, limit int) ([]catalog.Node, error)
	TouchLastChecked(ctx context.Context, db catalog.DBTX, nodeID int64, at time.Time) error
	SetStatus(ctx context.Context, db catalog.DBTX, nodeID int64, status string, at time.Time) error

	ClaimDeadAllocatedNodes(ctx context.Context, db catalog.DBTX, limit int) ([]catalog.Node, error)
	FindActiveLeasesOnNode(ctx context.Context, db catalog.DBTX, nodeID int64) ([]catalog.Lease, error)
	ClaimNodesByPredicate(ctx context.Context, db catalog.DBTX, predicate string, args []any, limit int) ([]catalog.Node, error)
	GetTenant(ctx context.Context, db catalog.DBTX, tenantID int64) (*catalog.Tenant, error)
	InsertLease(ctx context.Context, db catalog.DBTX, nodeID, tenantID int64, from, until time.Time, secret string) (int64, error)
	MarkAllocated(ctx context.Context, db catalog.DBTX, nodeID int64) error

	ClaimExpiredLeases(ctx context.Context, db catalog.DBTX, now time.Time, limit int) ([]catalog.LeaseJoinedRow, error)

	ClaimDirtyNodes(ctx context.Context, db catalog.DBTX, limit int) ([]catalog.Node, error)
	ListHistoricalTenants(ctx context.Context, db catalog.DBTX, nodeID int64) ([]catalog.HistoricalTenant, error)
	SetCleanup(ctx context.Context, db catalog.DBTX, nodeID int64, needsCleanup bool) error

	DeactivateLease(ctx context.Context, db catalog.DBTX, leaseID int64) error
	MarkFree(ctx context.Context, db catalog.DBTX, nodeID int64) error
}

// Vault is the subset of vault.Vault the Reconciler needs: every loop only
// ever decrypts a stored secret to hand to the Provisioner, never encrypts.
type Vault interface {
	Decrypt(encoded string) (string, error)
}

// Provisioner is the subset of provisioner.Adapter the Reconciler needs.
type Provisioner interface {
	CreateUser(ctx context.Context, node provisioner.Endpoint, user, secret string) bool
	DeleteUser(ctx context.Context, node provisioner.Endpoint, user, secret string) bool
}

// Prober is the subset of probe.Prober the Health loop needs.
type Prober interface {
	Check(ctx context.Context, host string, port int) string
}
