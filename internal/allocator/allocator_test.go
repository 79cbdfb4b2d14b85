package allocator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/fleetrent/internal/auth"
	"github.com/wisbric/fleetrent/internal/catalog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func aliveNode(id int64) catalog.Node {
	return catalog.Node{ID: id, Hostname: "node", SSHPort: 22, Status: catalog.StatusAlive}
}

func TestRent_Success(t *testing.T) {
	store := newFakeStore(aliveNode(1), aliveNode(2), aliveNode(3))
	prov := &fakeProvisioner{createOK: true}
	alloc := New(store, fakeVault{}, prov, discardLogger())

	principal := auth.Principal{ID: 1, Handle: "tenant-1", Role: auth.RoleTenant}
	allocations, err := alloc.Rent(context.Background(), principal, 2, time.Hour, "")
	if err != nil {
		t.Fatalf("Rent() error: %v", err)
	}
	if len(allocations) != 2 {
		t.Fatalf("len(allocations) = %d, want 2", len(allocations))
	}
	if len(prov.created) != 2 {
		t.Errorf("provisioner CreateUser called %d times, want 2", len(prov.created))
	}

	allocated := 0
	for _, n := range store.nodes {
		if n.Allocated {
			allocated++
		}
	}
	if allocated != 2 {
		t.Errorf("allocated node count = %d, want 2", allocated)
	}
}

func TestRent_ProvidedSecretIsUsedVerbatim(t *testing.T) {
	store := newFakeStore(aliveNode(1))
	prov := &fakeProvisioner{createOK: true}
	alloc := New(store, fakeVault{}, prov, discardLogger())

	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}
	allocations, err := alloc.Rent(context.Background(), principal, 1, time.Hour, "myCustomSecret1")
	if err != nil {
		t.Fatalf("Rent() error: %v", err)
	}
	if allocations[0].Secret != "myCustomSecret1" {
		t.Errorf("Secret = %q, want %q", allocations[0].Secret, "myCustomSecret1")
	}
}

func TestRent_InsufficientCapacityLeavesNoPartialEffect(t *testing.T) {
	store := newFakeStore(aliveNode(1))
	prov := &fakeProvisioner{createOK: true}
	alloc := New(store, fakeVault{}, prov, discardLogger())

	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}
	_, err := alloc.Rent(context.Background(), principal, 2, time.Hour, "")

	var icErr *InsufficientCapacityError
	if !errors.As(err, &icErr) {
		t.Fatalf("error = %v, want *InsufficientCapacityError", err)
	}
	if icErr.Requested != 2 || icErr.Found != 1 {
		t.Errorf("got Requested=%d Found=%d, want 2, 1", icErr.Requested, icErr.Found)
	}

	if store.nodes[1].Allocated {
		t.Error("node was left allocated after an insufficient-capacity batch should have rolled back")
	}
	if len(store.leases) != 0 {
		t.Errorf("len(leases) = %d, want 0 after rollback", len(store.leases))
	}
}

func TestRent_ProvisioningFailureRollsBackBatch(t *testing.T) {
	store := newFakeStore(aliveNode(1), aliveNode(2))
	prov := &fakeProvisioner{createOK: false}
	alloc := New(store, fakeVault{}, prov, discardLogger())

	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}
	_, err := alloc.Rent(context.Background(), principal, 2, time.Hour, "")

	if !errors.Is(err, ErrProvisioningFailed) {
		t.Fatalf("error = %v, want ErrProvisioningFailed", err)
	}
	for id, n := range store.nodes {
		if n.Allocated {
			t.Errorf("node %d left allocated after provisioning failure should have rolled back the batch", id)
		}
	}
	if len(store.leases) != 0 {
		t.Errorf("len(leases) = %d, want 0 after rollback", len(store.leases))
	}
}

func seedActiveLease(store *fakeStore, leaseID, nodeID, tenantID int64) {
	store.nodes[nodeID] = catalog.Node{ID: nodeID, Hostname: "node", SSHPort: 22, Status: catalog.StatusAlive, Allocated: true}
	store.leases[leaseID] = catalog.LeaseJoinedRow{
		Lease: catalog.Lease{
			ID: leaseID, NodeID: nodeID, TenantID: tenantID,
			LeasedFrom: time.Now().Add(-time.Hour), LeasedUntil: time.Now().Add(time.Hour),
			Active: true, Secret: "enc:s3cret01",
		},
		NodeHostname: "node", NodeSSHPort: 22, TenantHandle: "tenant",
	}
	if leaseID >= store.nextLeaseID {
		store.nextLeaseID = leaseID
	}
}

func TestRelease_OwningTenantSucceeds(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	prov := &fakeProvisioner{deleteOK: true}
	alloc := New(store, fakeVault{}, prov, discardLogger())

	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}
	if err := alloc.Release(context.Background(), principal, 10); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if store.leases[10].Active {
		t.Error("lease still active after release")
	}
	if store.nodes[1].Allocated {
		t.Error("node still allocated after release")
	}
	if len(prov.deleted) != 1 {
		t.Errorf("DeleteUser called %d times, want 1", len(prov.deleted))
	}
}

func TestRelease_OtherTenantDenied(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	alloc := New(store, fakeVault{}, &fakeProvisioner{deleteOK: true}, discardLogger())

	principal := auth.Principal{ID: 2, Role: auth.RoleTenant}
	err := alloc.Release(context.Background(), principal, 10)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
	if !store.leases[10].Active {
		t.Error("lease should remain active after a denied release")
	}
}

func TestRelease_AlreadyInactive(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	row := store.leases[10]
	row.Active = false
	store.leases[10] = row

	alloc := New(store, fakeVault{}, &fakeProvisioner{deleteOK: true}, discardLogger())
	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}

	err := alloc.Release(context.Background(), principal, 10)
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("error = %v, want ErrNotActive", err)
	}
}

func TestRelease_UnknownLease(t *testing.T) {
	store := newFakeStore()
	alloc := New(store, fakeVault{}, &fakeProvisioner{deleteOK: true}, discardLogger())
	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}

	err := alloc.Release(context.Background(), principal, 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestExtend_PushesLeaseEndForward(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	before := store.leases[10].LeasedUntil

	alloc := New(store, fakeVault{}, &fakeProvisioner{}, discardLogger())
	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}

	newUntil, err := alloc.Extend(context.Background(), principal, 10, time.Hour)
	if err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	if !newUntil.After(before) {
		t.Errorf("newUntil = %v, want after %v", newUntil, before)
	}
	if store.leases[10].LeasedUntil != newUntil {
		t.Error("stored lease end time was not updated")
	}
}

func TestExtend_OtherTenantDenied(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	alloc := New(store, fakeVault{}, &fakeProvisioner{}, discardLogger())

	principal := auth.Principal{ID: 2, Role: auth.RoleTenant}
	_, err := alloc.Extend(context.Background(), principal, 10, time.Hour)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
}

func TestGetLeaseSecret_OwnerCanRead(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	alloc := New(store, fakeVault{}, &fakeProvisioner{}, discardLogger())

	principal := auth.Principal{ID: 1, Role: auth.RoleTenant}
	secret, err := alloc.GetLeaseSecret(context.Background(), principal, 10)
	if err != nil {
		t.Fatalf("GetLeaseSecret() error: %v", err)
	}
	if secret != "s3cret01" {
		t.Errorf("secret = %q, want %q", secret, "s3cret01")
	}
}

func TestGetLeaseSecret_OtherTenantDenied(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	alloc := New(store, fakeVault{}, &fakeProvisioner{}, discardLogger())

	principal := auth.Principal{ID: 2, Role: auth.RoleTenant}
	_, err := alloc.GetLeaseSecret(context.Background(), principal, 10)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
}

// TestRent_ConcurrentRequestsNeverDoubleAllocateANode drives two Rent
// calls at the same pool of nodes concurrently. fakeStore.WithTx
// serializes them the way FOR UPDATE SKIP LOCKED plus a committed
// transaction would on a real Postgres catalog: with two free nodes and one
// node per call, both calls succeed against disjoint nodes and no node is
// ever claimed by both.
func TestRent_ConcurrentRequestsNeverDoubleAllocateANode(t *testing.T) {
	store := newFakeStore(aliveNode(1), aliveNode(2))
	prov := &fakeProvisioner{createOK: true}
	alloc := New(store, fakeVault{}, prov, discardLogger())

	principalA := auth.Principal{ID: 1, Handle: "tenant-a", Role: auth.RoleTenant}
	principalB := auth.Principal{ID: 2, Handle: "tenant-b", Role: auth.RoleTenant}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = alloc.Rent(context.Background(), principalA, 1, time.Hour, "")
	}()
	go func() {
		defer wg.Done()
		_, results[1] = alloc.Rent(context.Background(), principalB, 1, time.Hour, "")
	}()
	wg.Wait()

	for _, err := range results {
		if err != nil {
			t.Fatalf("Rent() error: %v", err)
		}
	}

	allocatedTo := make(map[int64]int64)
	for _, row := range store.leases {
		if !row.Active {
			continue
		}
		if other, claimed := allocatedTo[row.NodeID]; claimed {
			t.Fatalf("node %d leased to both tenant %d and tenant %d", row.NodeID, other, row.TenantID)
		}
		allocatedTo[row.NodeID] = row.TenantID
	}
	if len(allocatedTo) != 2 {
		t.Errorf("len(allocatedTo) = %d, want 2 distinct nodes claimed", len(allocatedTo))
	}
}

func TestGetLeaseSecret_AdminCanReadAnyTenant(t *testing.T) {
	store := newFakeStore()
	seedActiveLease(store, 10, 1, 1)
	alloc := New(store, fakeVault{}, &fakeProvisioner{}, discardLogger())

	principal := auth.Principal{ID: 0, Role: auth.RoleAdmin}
	secret, err := alloc.GetLeaseSecret(context.Background(), principal, 10)
	if err != nil {
		t.Fatalf("GetLeaseSecret() error: %v", err)
	}
	if secret != "s3cret01" {
		t.Errorf("secret = %q, want %q", secret, "s3cret01")
	}
}
