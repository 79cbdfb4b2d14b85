package reconciler

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/eventstream"
	"github.com/wisbric/fleetrent/internal/provisioner"
	"github.com/wisbric/fleetrent/internal/telemetry"
)

// tickMigration relocates every active lease off each claimed dead node to
// a fresh one. The whole tick — every claimed dead node, including the
// provisioning calls on the replacement nodes — runs inside a single
// transaction; dead nodes are not isolated from one another in separate
// transactions. When fewer replacements exist than active leases, the
// unmatched leases stay active on the dead node, which is still freed and
// flagged for cleanup.
func (r *Reconciler) tickMigration(ctx context.Context) error {
	return r.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		deadNodes, err := r.store.ClaimDeadAllocatedNodes(ctx, tx, r.batches.Migration)
		if err != nil {
			return fmt.Errorf("claiming dead nodes: %w", err)
		}

		for _, dead := range deadNodes {
			if err := r.migrateNode(ctx, tx, dead.ID); err != nil {
				r.logger.Error("migrating node", "node_id", dead.ID, "error", err)
			}
		}
		return nil
	})
}

func (r *Reconciler) migrateNode(ctx context.Context, tx pgx.Tx, deadNodeID int64) error {
	leases, err := r.store.FindActiveLeasesOnNode(ctx, tx, deadNodeID)
	if err != nil {
		return fmt.Errorf("listing active leases: %w", err)
	}

	if len(leases) == 0 {
		if err := r.store.MarkFree(ctx, tx, deadNodeID); err != nil {
			return err
		}
		return r.store.SetCleanup(ctx, tx, deadNodeID, true)
	}

	replacements, err := r.store.ClaimNodesByPredicate(ctx, tx,
		"status = 'alive' AND allocated = false AND needs_cleanup = false AND id != $1",
		[]any{deadNodeID}, len(leases))
	if err != nil {
		return fmt.Errorf("claiming replacement nodes: %w", err)
	}

	if len(replacements) < len(leases) {
		shortfall := len(leases) - len(replacements)
		r.logger.Warn("migration shortfall",
			"node_id", deadNodeID, "active_leases", len(leases), "replacements", len(replacements))
		telemetry.MigrationShortfallTotal.Add(float64(shortfall))
	}

	for i, replacement := range replacements {
		lease := leases[i]

		tenant, err := r.store.GetTenant(ctx, tx, lease.TenantID)
		if err != nil {
			r.logger.Error("looking up tenant for migration", "lease_id", lease.ID, "error", err)
			continue
		}

		if err := r.store.DeactivateLease(ctx, tx, lease.ID); err != nil {
			return fmt.Errorf("deactivating lease %d: %w", lease.ID, err)
		}

		newLeaseID, err := r.store.InsertLease(ctx, tx, replacement.ID, lease.TenantID, lease.LeasedFrom, lease.LeasedUntil, lease.Secret)
		if err != nil {
			return fmt.Errorf("inserting replacement lease: %w", err)
		}

		if err := r.store.MarkAllocated(ctx, tx, replacement.ID); err != nil {
			return fmt.Errorf("marking replacement allocated: %w", err)
		}

		secret, err := r.vault.Decrypt(lease.Secret)
		if err != nil {
			r.logger.Error("decrypting secret during migration", "lease_id", lease.ID, "error", err)
			continue
		}

		endpoint := provisioner.Endpoint{Hostname: replacement.Hostname, SSHPort: replacement.SSHPort}
		if ok := r.provisioner.CreateUser(ctx, endpoint, tenant.Handle, secret); !ok {
			r.logger.Error("provisioner createUser failed during migration, commit proceeds",
				"lease_id", newLeaseID, "node_id", replacement.ID)
			telemetry.MigrationProvisionerFailuresTotal.Inc()
		}

		telemetry.LeasesMigratedTotal.Inc()
		r.publish(ctx, eventstream.Event{
			Kind:    "migrated",
			NodeID:  replacement.ID,
			LeaseID: newLeaseID,
			Detail:  fmt.Sprintf("lease %d relocated from node %d to node %d", lease.ID, deadNodeID, replacement.ID),
		})
	}

	if err := r.store.MarkFree(ctx, tx, deadNodeID); err != nil {
		return err
	}
	return r.store.SetCleanup(ctx, tx, deadNodeID, true)
}
