package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/provisioner"
)

// fakeStore is a hand-written in-memory stand-in for catalog.Store,
// satisfying the Store interface so each loop can be exercised without a
// live Postgres connection. WithTx snapshots its maps before running fn and
// restores them on error, mirroring a real transaction's rollback.
type fakeStore struct {
	nodes       map[int64]catalog.Node
	leases      map[int64]catalog.LeaseJoinedRow
	tenants     map[int64]catalog.Tenant
	historical  map[int64][]catalog.HistoricalTenant
	nextLeaseID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:      make(map[int64]catalog.Node),
		leases:     make(map[int64]catalog.LeaseJoinedRow),
		tenants:    make(map[int64]catalog.Tenant),
		historical: make(map[int64][]catalog.HistoricalTenant),
	}
}

func (f *fakeStore) clone() *fakeStore {
	nodes := make(map[int64]catalog.Node, len(f.nodes))
	for k, v := range f.nodes {
		nodes[k] = v
	}
	leases := make(map[int64]catalog.LeaseJoinedRow, len(f.leases))
	for k, v := range f.leases {
		leases[k] = v
	}
	tenants := make(map[int64]catalog.Tenant, len(f.tenants))
	for k, v := range f.tenants {
		tenants[k] = v
	}
	historical := make(map[int64][]catalog.HistoricalTenant, len(f.historical))
	for k, v := range f.historical {
		cp := make([]catalog.HistoricalTenant, len(v))
		copy(cp, v)
		historical[k] = cp
	}
	return &fakeStore{nodes: nodes, leases: leases, tenants: tenants, historical: historical, nextLeaseID: f.nextLeaseID}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	snap := f.clone()
	if err := fn(ctx, nil); err != nil {
		*f = *snap
		return err
	}
	return nil
}

func (f *fakeStore) PoolUtilization(ctx context.Context) (float64, error) {
	if len(f.nodes) == 0 {
		return 0, nil
	}
	var allocated int
	for _, n := range f.nodes {
		if n.Allocated {
			allocated++
		}
	}
	return float64(allocated) / float64(len(f.nodes)), nil
}

func (f *fakeStore) ClaimStaleNodes(ctx context.Context, db catalog.DBTX, now time.Time, stalePeriod time.Duration, limit int) ([]catalog.Node, error) {
	var out []catalog.Node
	for _, n := range f.nodes {
		if len(out) >= limit {
			break
		}
		if n.LastChecked == nil || now.Sub(*n.LastChecked) >= stalePeriod {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) TouchLastChecked(ctx context.Context, db catalog.DBTX, nodeID int64, at time.Time) error {
	n, ok := f.nodes[nodeID]
	if !ok {
		return catalog.ErrNotFound
	}
	n.LastChecked = &at
	f.nodes[nodeID] = n
	return nil
}

func (f *fakeStore) SetStatus(ctx context.Context, db catalog.DBTX, nodeID int64, status string, at time.Time) error {
	n, ok := f.nodes[nodeID]
	if !ok {
		return catalog.ErrNotFound
	}
	n.Status = status
	n.LastChecked = &at
	f.nodes[nodeID] = n
	return nil
}

func (f *fakeStore) ClaimDeadAllocatedNodes(ctx context.Context, db catalog.DBTX, limit int) ([]catalog.Node, error) {
	var out []catalog.Node
	for _, n := range f.nodes {
		if len(out) >= limit {
			break
		}
		if n.Status == catalog.StatusDead && n.Allocated {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) FindActiveLeasesOnNode(ctx context.Context, db catalog.DBTX, nodeID int64) ([]catalog.Lease, error) {
	var out []catalog.Lease
	for _, row := range f.leases {
		if row.NodeID == nodeID && row.Active {
			out = append(out, row.Lease)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimNodesByPredicate(ctx context.Context, db catalog.DBTX, predicate string, args []any, limit int) ([]catalog.Node, error) {
	var exclude int64 = -1
	if strings.Contains(predicate, "!=") && len(args) > 0 {
		if id, ok := args[0].(int64); ok {
			exclude = id
		}
	}
	var out []catalog.Node
	for _, n := range f.nodes {
		if len(out) >= limit {
			break
		}
		if n.ID == exclude {
			continue
		}
		if n.Status == catalog.StatusAlive && !n.Allocated && !n.NeedsCleanup {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTenant(ctx context.Context, db catalog.DBTX, tenantID int64) (*catalog.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) InsertLease(ctx context.Context, db catalog.DBTX, nodeID, tenantID int64, from, until time.Time, secret string) (int64, error) {
	f.nextLeaseID++
	id := f.nextLeaseID
	node := f.nodes[nodeID]
	tenant := f.tenants[tenantID]
	f.leases[id] = catalog.LeaseJoinedRow{
		Lease: catalog.Lease{
			ID:          id,
			NodeID:      nodeID,
			TenantID:    tenantID,
			LeasedFrom:  from,
			LeasedUntil: until,
			Active:      true,
			Secret:      secret,
		},
		NodeHostname: node.Hostname,
		NodeSSHPort:  node.SSHPort,
		TenantHandle: tenant.Handle,
	}
	return id, nil
}

func (f *fakeStore) MarkAllocated(ctx context.Context, db catalog.DBTX, nodeID int64) error {
	n, ok := f.nodes[nodeID]
	if !ok {
		return catalog.ErrNotFound
	}
	n.Allocated = true
	f.nodes[nodeID] = n
	return nil
}

func (f *fakeStore) MarkFree(ctx context.Context, db catalog.DBTX, nodeID int64) error {
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil
	}
	n.Allocated = false
	f.nodes[nodeID] = n
	return nil
}

func (f *fakeStore) ClaimExpiredLeases(ctx context.Context, db catalog.DBTX, now time.Time, limit int) ([]catalog.LeaseJoinedRow, error) {
	var out []catalog.LeaseJoinedRow
	for _, row := range f.leases {
		if len(out) >= limit {
			break
		}
		if row.Active && row.LeasedUntil.Before(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimDirtyNodes(ctx context.Context, db catalog.DBTX, limit int) ([]catalog.Node, error) {
	var out []catalog.Node
	for _, n := range f.nodes {
		if len(out) >= limit {
			break
		}
		if n.NeedsCleanup {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ListHistoricalTenants(ctx context.Context, db catalog.DBTX, nodeID int64) ([]catalog.HistoricalTenant, error) {
	return f.historical[nodeID], nil
}

func (f *fakeStore) SetCleanup(ctx context.Context, db catalog.DBTX, nodeID int64, needsCleanup bool) error {
	n, ok := f.nodes[nodeID]
	if !ok {
		return catalog.ErrNotFound
	}
	n.NeedsCleanup = needsCleanup
	f.nodes[nodeID] = n
	return nil
}

func (f *fakeStore) DeactivateLease(ctx context.Context, db catalog.DBTX, leaseID int64) error {
	row, ok := f.leases[leaseID]
	if !ok {
		return catalog.ErrNotFound
	}
	row.Active = false
	f.leases[leaseID] = row
	return nil
}

// fakeVault is a reversible stand-in for vault.Vault; the Reconciler only
// ever decrypts, so Encrypt is not part of the Vault interface it needs.
type fakeVault struct{}

func (fakeVault) Decrypt(encoded string) (string, error) {
	return strings.TrimPrefix(encoded, "enc:"), nil
}

// fakeProvisioner records every call it receives and returns a
// per-call-index configurable result, standing in for provisioner.Adapter.
type fakeProvisioner struct {
	mu         sync.Mutex
	createOK   bool
	deleteOK   bool
	// deleteOKSeq, when non-nil, overrides deleteOK per call in order.
	deleteOKSeq []bool
	created     []string
	deleted     []string
}

func (f *fakeProvisioner) CreateUser(ctx context.Context, node provisioner.Endpoint, user, secret string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, user)
	return f.createOK
}

func (f *fakeProvisioner) DeleteUser(ctx context.Context, node provisioner.Endpoint, user, secret string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.deleted)
	f.deleted = append(f.deleted, user)
	if idx < len(f.deleteOKSeq) {
		return f.deleteOKSeq[idx]
	}
	return f.deleteOK
}

// fakeProber returns a fixed health result for every call, standing in for
// probe.Prober, and records how many nodes it was asked to check.
type fakeProber struct {
	mu      sync.Mutex
	result  string
	checked int
}

func (f *fakeProber) Check(ctx context.Context, host string, port int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked++
	if f.result != "" {
		return f.result
	}
	return "alive"
}
