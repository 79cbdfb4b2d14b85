package allocator

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
// satisfying the Store interface so the Allocator can be exercised without
// a live Postgres connection. WithTx snapshots its maps before running fn
// and restores them on error, mirroring a real transaction's rollback.
type fakeStore struct {
	mu          sync.Mutex
	nodes       map[int64]catalog.Node
	leases      map[int64]catalog.LeaseJoinedRow
	nextLeaseID int64
}

func newFakeStore(nodes ...catalog.Node) *fakeStore {
	m := make(map[int64]catalog.Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return &fakeStore{nodes: m, leases: make(map[int64]catalog.LeaseJoinedRow)}
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
	return &fakeStore{nodes: nodes, leases: leases, nextLeaseID: f.nextLeaseID}
}

// WithTx serializes callers with a mutex, the in-memory stand-in for the
// isolation a real Postgres transaction plus row locking would give two
// concurrent claims against the same node set.
func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := f.clone()
	if err := fn(ctx, nil); err != nil {
		f.nodes, f.leases, f.nextLeaseID = snap.nodes, snap.leases, snap.nextLeaseID
		return err
	}
	return nil
}

func (f *fakeStore) ClaimEligibleNodes(ctx context.Context, db catalog.DBTX, k int) ([]catalog.Node, error) {
	var out []catalog.Node
	for _, n := range f.nodes {
		if len(out) >= k {
			break
		}
		if n.Status == catalog.StatusAlive && !n.Allocated && !n.NeedsCleanup {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertLease(ctx context.Context, db catalog.DBTX, nodeID, tenantID int64, from, until time.Time, secret string) (int64, error) {
	f.nextLeaseID++
	id := f.nextLeaseID
	node := f.nodes[nodeID]
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
		TenantHandle: "tenant",
	}
	return id, nil
}

func (f *fakeStore) MarkAllocated(ctx context.Context, db catalog.DBTX, nodeID int64) error {
	n := f.nodes[nodeID]
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

func (f *fakeStore) GetLeaseForUpdate(ctx context.Context, db catalog.DBTX, leaseID int64) (*catalog.LeaseJoinedRow, error) {
	row, ok := f.leases[leaseID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &row, nil
}

func (f *fakeStore) GetLease(ctx context.Context, leaseID int64) (*catalog.LeaseJoinedRow, error) {
	return f.GetLeaseForUpdate(ctx, nil, leaseID)
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

func (f *fakeStore) UpdateLeaseEnd(ctx context.Context, db catalog.DBTX, leaseID int64, until time.Time) error {
	row, ok := f.leases[leaseID]
	if !ok {
		return catalog.ErrNotFound
	}
	row.LeasedUntil = until
	f.leases[leaseID] = row
	return nil
}

// fakeVault is a reversible stand-in for vault.Vault that skips real
// cryptography so tests can assert on plaintext round-trips directly.
type fakeVault struct{}

func (fakeVault) Encrypt(plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (fakeVault) Decrypt(encoded string) (string, error) {
	return strings.TrimPrefix(encoded, "enc:"), nil
}

// fakeProvisioner records every call it receives and returns a
// configurable, uniform result, standing in for provisioner.Adapter.
type fakeProvisioner struct {
	mu       sync.Mutex
	createOK bool
	deleteOK bool
	created  []string
	deleted  []string
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
	f.deleted = append(f.deleted, user)
	return f.deleteOK
}
