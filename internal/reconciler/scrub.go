package reconciler

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/eventstream"
	"github.com/wisbric/fleetrent/internal/provisioner"
	"github.com/wisbric/fleetrent/internal/telemetry"
)

// tickScrub sanitizes nodes flagged needs_cleanup before readmitting them
// to the Allocator's eligible pool. It sweeps every distinct historical
// tenant ever associated with the node, not just current ones: after a
// death-then-resurrection a node may still carry OS users from tenants
// whose leases have since migrated elsewhere.
func (r *Reconciler) tickScrub(ctx context.Context) error {
	return r.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		nodes, err := r.store.ClaimDirtyNodes(ctx, tx, r.batches.Scrub)
		if err != nil {
			return fmt.Errorf("claiming dirty nodes: %w", err)
		}

		for _, node := range nodes {
			if err := r.scrubNode(ctx, tx, node.ID, node.Hostname, node.SSHPort); err != nil {
				r.logger.Error("scrubbing node", "node_id", node.ID, "error", err)
			}
		}
		return nil
	})
}

func (r *Reconciler) scrubNode(ctx context.Context, tx pgx.Tx, nodeID int64, hostname string, sshPort int) error {
	tenants, err := r.store.ListHistoricalTenants(ctx, tx, nodeID)
	if err != nil {
		return fmt.Errorf("listing historical tenants: %w", err)
	}

	endpoint := provisioner.Endpoint{Hostname: hostname, SSHPort: sshPort}
	allSucceeded := true

	for _, tenant := range tenants {
		secret, err := r.vault.Decrypt(tenant.LastSecret)
		if err != nil {
			secret = ""
		}

		if ok := r.provisioner.DeleteUser(ctx, endpoint, tenant.TenantHandle, secret); !ok {
			r.logger.Warn("provisioner deleteUser failed during scrub, node remains dirty for retry",
				"node_id", nodeID, "tenant_id", tenant.TenantID)
			telemetry.ScrubProvisionerFailuresTotal.Inc()
			allSucceeded = false
		}
	}

	if !allSucceeded {
		return nil
	}

	if err := r.store.SetCleanup(ctx, tx, nodeID, false); err != nil {
		return err
	}
	telemetry.NodesScrubbedTotal.Inc()
	r.publish(ctx, eventstream.Event{Kind: "scrubbed", NodeID: nodeID})
	return nil
}
