package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting every Store
// method run either directly against the pool or inside withTx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the catalog's handle on the database. It is safe for concurrent
// use; every mutating operation that needs transactional semantics goes
// through withTx.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool, for callers that need to
// construct other pool-backed components (API key auth, rate limiting)
// without routing every query through the catalog.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// withTx begins a transaction, runs fn against it, and commits on normal
// return. Any error returned by fn rolls back all effects.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// WithTx exposes withTx to other packages (Allocator, Reconciler) that need
// to compose multiple Store operations inside a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.withTx(ctx, fn)
}

// claimEligibleNodes selects up to k alive, unallocated, clean nodes,
// ordered by most-recent last_checked, skipping rows locked by peers.
func claimEligibleNodes(ctx context.Context, db DBTX, k int) ([]Node, error) {
	return claimNodesByPredicate(ctx, db,
		`status = 'alive' AND allocated = false AND needs_cleanup = false`,
		nil, k)
}

// claimNodesByPredicate runs the same FOR UPDATE SKIP LOCKED pattern with an
// arbitrary predicate, used by each reconciliation loop for its own claim.
func claimNodesByPredicate(ctx context.Context, db DBTX, predicate string, args []any, limit int) ([]Node, error) {
	query := fmt.Sprintf(`
		SELECT id, hostname, ssh_port, status, allocated, needs_cleanup, last_checked, created_at
		FROM nodes
		WHERE %s
		ORDER BY last_checked DESC NULLS FIRST
		FOR UPDATE SKIP LOCKED
		LIMIT %d
	`, predicate, limit)

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claiming nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Hostname, &n.SSHPort, &n.Status, &n.Allocated, &n.NeedsCleanup, &n.LastChecked, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}
	return nodes, nil
}

// ClaimEligibleNodes is the exported entry point used by the Allocator.
func (s *Store) ClaimEligibleNodes(ctx context.Context, db DBTX, k int) ([]Node, error) {
	return claimEligibleNodes(ctx, db, k)
}

// ClaimNodesByPredicate is the exported entry point used by the Reconciler loops.
func (s *Store) ClaimNodesByPredicate(ctx context.Context, db DBTX, predicate string, args []any, limit int) ([]Node, error) {
	return claimNodesByPredicate(ctx, db, predicate, args, limit)
}

func (s *Store) MarkAllocated(ctx context.Context, db DBTX, nodeID int64) error {
	_, err := db.Exec(ctx, `UPDATE nodes SET allocated = true WHERE id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("marking node allocated: %w", err)
	}
	return nil
}

func (s *Store) MarkFree(ctx context.Context, db DBTX, nodeID int64) error {
	_, err := db.Exec(ctx, `UPDATE nodes SET allocated = false WHERE id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("marking node free: %w", err)
	}
	return nil
}

func (s *Store) SetCleanup(ctx context.Context, db DBTX, nodeID int64, needsCleanup bool) error {
	_, err := db.Exec(ctx, `UPDATE nodes SET needs_cleanup = $2 WHERE id = $1`, nodeID, needsCleanup)
	if err != nil {
		return fmt.Errorf("setting node cleanup flag: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, db DBTX, nodeID int64, status string, at time.Time) error {
	_, err := db.Exec(ctx, `UPDATE nodes SET status = $2, last_checked = $3 WHERE id = $1`, nodeID, status, at)
	if err != nil {
		return fmt.Errorf("setting node status: %w", err)
	}
	return nil
}

// TouchLastChecked updates only the last_checked marker, used by the Health
// loop to claim nodes for probing without yet knowing the probe result.
func (s *Store) TouchLastChecked(ctx context.Context, db DBTX, nodeID int64, at time.Time) error {
	_, err := db.Exec(ctx, `UPDATE nodes SET last_checked = $2 WHERE id = $1`, nodeID, at)
	if err != nil {
		return fmt.Errorf("touching node last_checked: %w", err)
	}
	return nil
}

func (s *Store) InsertLease(ctx context.Context, db DBTX, nodeID, tenantID int64, from, until time.Time, secret string) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO leases (node_id, tenant_id, leased_from, leased_until, active, secret, created_at)
		VALUES ($1, $2, $3, $4, true, $5, now())
		RETURNING id
	`, nodeID, tenantID, from, until, secret).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting lease: %w", err)
	}
	return id, nil
}

func (s *Store) DeactivateLease(ctx context.Context, db DBTX, leaseID int64) error {
	_, err := db.Exec(ctx, `UPDATE leases SET active = false WHERE id = $1`, leaseID)
	if err != nil {
		return fmt.Errorf("deactivating lease: %w", err)
	}
	return nil
}

// UpdateLeaseEnd extends a lease's window. The caller is responsible for
// ensuring the new end is strictly greater than the current one.
func (s *Store) UpdateLeaseEnd(ctx context.Context, db DBTX, leaseID int64, until time.Time) error {
	_, err := db.Exec(ctx, `UPDATE leases SET leased_until = $2 WHERE id = $1`, leaseID, until)
	if err != nil {
		return fmt.Errorf("updating lease end: %w", err)
	}
	return nil
}

// FindActiveLeasesOnNode returns every active lease currently on a node,
// locked FOR UPDATE for use inside a transaction that will mutate them.
func (s *Store) FindActiveLeasesOnNode(ctx context.Context, db DBTX, nodeID int64) ([]Lease, error) {
	rows, err := db.Query(ctx, `
		SELECT id, node_id, tenant_id, leased_from, leased_until, active, secret, created_at
		FROM leases
		WHERE node_id = $1 AND active = true
		FOR UPDATE
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("finding active leases on node: %w", err)
	}
	defer rows.Close()

	var leases []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.ID, &l.NodeID, &l.TenantID, &l.LeasedFrom, &l.LeasedUntil, &l.Active, &l.Secret, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lease rows: %w", err)
	}
	return leases, nil
}

// GetLease fetches a lease joined with its node and tenant without taking a
// lock, for read-only callers such as getLeaseSecret.
func (s *Store) GetLease(ctx context.Context, leaseID int64) (*LeaseJoinedRow, error) {
	var row LeaseJoinedRow
	err := s.pool.QueryRow(ctx, `
		SELECT l.id, l.node_id, l.tenant_id, l.leased_from, l.leased_until, l.active, l.secret, l.created_at,
		       n.hostname, n.ssh_port, t.handle
		FROM leases l
		JOIN nodes n ON n.id = l.node_id
		JOIN tenants t ON t.id = l.tenant_id
		WHERE l.id = $1
	`, leaseID).Scan(
		&row.ID, &row.NodeID, &row.TenantID, &row.LeasedFrom, &row.LeasedUntil, &row.Active, &row.Secret, &row.CreatedAt,
		&row.NodeHostname, &row.NodeSSHPort, &row.TenantHandle,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching lease: %w", err)
	}
	return &row, nil
}

// GetLeaseForUpdate fetches a lease joined with its node and tenant, locked
// FOR UPDATE, for use by release/extend.
func (s *Store) GetLeaseForUpdate(ctx context.Context, db DBTX, leaseID int64) (*LeaseJoinedRow, error) {
	var row LeaseJoinedRow
	err := db.QueryRow(ctx, `
		SELECT l.id, l.node_id, l.tenant_id, l.leased_from, l.leased_until, l.active, l.secret, l.created_at,
		       n.hostname, n.ssh_port, t.handle
		FROM leases l
		JOIN nodes n ON n.id = l.node_id
		JOIN tenants t ON t.id = l.tenant_id
		WHERE l.id = $1
		FOR UPDATE OF l
	`, leaseID).Scan(
		&row.ID, &row.NodeID, &row.TenantID, &row.LeasedFrom, &row.LeasedUntil, &row.Active, &row.Secret, &row.CreatedAt,
		&row.NodeHostname, &row.NodeSSHPort, &row.TenantHandle,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching lease: %w", err)
	}
	return &row, nil
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, db DBTX, tenantID int64) (*Tenant, error) {
	var t Tenant
	err := db.QueryRow(ctx, `SELECT id, handle, created_at FROM tenants WHERE id = $1`, tenantID).
		Scan(&t.ID, &t.Handle, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching tenant: %w", err)
	}
	return &t, nil
}

// GetNode fetches a single node by id, for the operator-facing debug
// health endpoint.
func (s *Store) GetNode(ctx context.Context, nodeID int64) (*Node, error) {
	var n Node
	err := s.pool.QueryRow(ctx, `
		SELECT id, hostname, ssh_port, status, allocated, needs_cleanup, last_checked, created_at
		FROM nodes
		WHERE id = $1
	`, nodeID).Scan(&n.ID, &n.Hostname, &n.SSHPort, &n.Status, &n.Allocated, &n.NeedsCleanup, &n.LastChecked, &n.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching node: %w", err)
	}
	return &n, nil
}

// PoolUtilization returns the fraction of known nodes currently allocated,
// for the fleet-wide utilization gauge. Returns 0 when the fleet is empty.
func (s *Store) PoolUtilization(ctx context.Context) (float64, error) {
	var total, allocated int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE allocated)
		FROM nodes
	`).Scan(&total, &allocated)
	if err != nil {
		return 0, fmt.Errorf("computing pool utilization: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(allocated) / float64(total), nil
}

// ListNodes returns every node, for the admin listNodes view.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, ssh_port, status, allocated, needs_cleanup, last_checked, created_at
		FROM nodes
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Hostname, &n.SSHPort, &n.Status, &n.Allocated, &n.NeedsCleanup, &n.LastChecked, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}
	return nodes, nil
}

// ListActiveLeasesForTenant returns every active lease a tenant holds, for
// the tenant-scoped listNodes view.
func (s *Store) ListActiveLeasesForTenant(ctx context.Context, tenantID int64) ([]LeaseJoinedRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.node_id, l.tenant_id, l.leased_from, l.leased_until, l.active, l.secret, l.created_at,
		       n.hostname, n.ssh_port, t.handle
		FROM leases l
		JOIN nodes n ON n.id = l.node_id
		JOIN tenants t ON t.id = l.tenant_id
		WHERE l.tenant_id = $1 AND l.active = true
		ORDER BY l.id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing active leases for tenant: %w", err)
	}
	defer rows.Close()

	var leases []LeaseJoinedRow
	for rows.Next() {
		var l LeaseJoinedRow
		if err := rows.Scan(
			&l.ID, &l.NodeID, &l.TenantID, &l.LeasedFrom, &l.LeasedUntil, &l.Active, &l.Secret, &l.CreatedAt,
			&l.NodeHostname, &l.NodeSSHPort, &l.TenantHandle,
		); err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lease rows: %w", err)
	}
	return leases, nil
}

// ClaimExpiredLeases selects active leases on allocated nodes whose window
// has elapsed, for the Expiry loop.
func (s *Store) ClaimExpiredLeases(ctx context.Context, db DBTX, now time.Time, limit int) ([]LeaseJoinedRow, error) {
	rows, err := db.Query(ctx, `
		SELECT l.id, l.node_id, l.tenant_id, l.leased_from, l.leased_until, l.active, l.secret, l.created_at,
		       n.hostname, n.ssh_port, t.handle
		FROM leases l
		JOIN nodes n ON n.id = l.node_id
		JOIN tenants t ON t.id = l.tenant_id
		WHERE l.active = true AND n.allocated = true AND l.leased_until <= $1
		ORDER BY l.id
		FOR UPDATE OF l SKIP LOCKED
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming expired leases: %w", err)
	}
	defer rows.Close()

	var leases []LeaseJoinedRow
	for rows.Next() {
		var l LeaseJoinedRow
		if err := rows.Scan(
			&l.ID, &l.NodeID, &l.TenantID, &l.LeasedFrom, &l.LeasedUntil, &l.Active, &l.Secret, &l.CreatedAt,
			&l.NodeHostname, &l.NodeSSHPort, &l.TenantHandle,
		); err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lease rows: %w", err)
	}
	return leases, nil
}

// ListHistoricalTenants returns every distinct tenant that has ever held a
// lease on a node, with each tenant's most recent secret on that node, for
// the Scrub loop's historical sweep.
func (s *Store) ListHistoricalTenants(ctx context.Context, db DBTX, nodeID int64) ([]HistoricalTenant, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT ON (l.tenant_id) l.tenant_id, t.handle, l.secret
		FROM leases l
		JOIN tenants t ON t.id = l.tenant_id
		WHERE l.node_id = $1
		ORDER BY l.tenant_id, l.created_at DESC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("listing historical tenants: %w", err)
	}
	defer rows.Close()

	var out []HistoricalTenant
	for rows.Next() {
		var h HistoricalTenant
		if err := rows.Scan(&h.TenantID, &h.TenantHandle, &h.LastSecret); err != nil {
			return nil, fmt.Errorf("scanning historical tenant row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating historical tenant rows: %w", err)
	}
	return out, nil
}

// ClaimDeadAllocatedNodes selects dead, allocated nodes for the Migration loop.
func (s *Store) ClaimDeadAllocatedNodes(ctx context.Context, db DBTX, limit int) ([]Node, error) {
	return claimNodesByPredicate(ctx, db, `status = 'dead' AND allocated = true`, nil, limit)
}

// ClaimStaleNodes selects nodes due for a health check, for the Health loop.
func (s *Store) ClaimStaleNodes(ctx context.Context, db DBTX, now time.Time, stalePeriod time.Duration, limit int) ([]Node, error) {
	cutoff := now.Add(-stalePeriod)
	return claimNodesByPredicate(ctx, db, `last_checked IS NULL OR last_checked < $1`, []any{cutoff}, limit)
}

// ClaimDirtyNodes selects alive nodes flagged needs_cleanup, for the Scrub loop.
func (s *Store) ClaimDirtyNodes(ctx context.Context, db DBTX, limit int) ([]Node, error) {
	return claimNodesByPredicate(ctx, db, `status = 'alive' AND needs_cleanup = true`, nil, limit)
}

// RegisterNode inserts a new node, used by the external registration path.
// Returns ErrConflict on duplicate (hostname, ssh_port).
func (s *Store) RegisterNode(ctx context.Context, hostname string, sshPort int) (*Node, error) {
	var n Node
	err := s.pool.QueryRow(ctx, `
		INSERT INTO nodes (hostname, ssh_port, status, allocated, needs_cleanup, created_at)
		VALUES ($1, $2, 'unknown', false, false, now())
		RETURNING id, hostname, ssh_port, status, allocated, needs_cleanup, last_checked, created_at
	`, hostname, sshPort).Scan(&n.ID, &n.Hostname, &n.SSHPort, &n.Status, &n.Allocated, &n.NeedsCleanup, &n.LastChecked, &n.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("registering node: %w", err)
	}
	return &n, nil
}

// RegisterTenant inserts a new tenant.
func (s *Store) RegisterTenant(ctx context.Context, handle string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (handle, created_at) VALUES ($1, now())
		RETURNING id, handle, created_at
	`, handle).Scan(&t.ID, &t.Handle, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("registering tenant: %w", err)
	}
	return &t, nil
}
