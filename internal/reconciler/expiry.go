package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/eventstream"
	"github.com/wisbric/fleetrent/internal/provisioner"
	"github.com/wisbric/fleetrent/internal/telemetry"
)

// tickExpiry reclaims leases whose window has elapsed. On provisioner
// failure the lease is left active so a later iteration retries —
// deleteUser is required to be idempotent, so infinite retry is safe and
// is the specified behavior.
func (r *Reconciler) tickExpiry(ctx context.Context) error {
	return r.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		now := time.Now().UTC()
		rows, err := r.store.ClaimExpiredLeases(ctx, tx, now, r.batches.Expiry)
		if err != nil {
			return fmt.Errorf("claiming expired leases: %w", err)
		}

		for _, row := range rows {
			secret, err := r.vault.Decrypt(row.Secret)
			if err != nil {
				r.logger.Error("decrypting secret during expiry", "lease_id", row.ID, "error", err)
				continue
			}

			endpoint := provisioner.Endpoint{Hostname: row.NodeHostname, SSHPort: row.NodeSSHPort}
			if ok := r.provisioner.DeleteUser(ctx, endpoint, row.TenantHandle, secret); !ok {
				r.logger.Warn("provisioner deleteUser failed during expiry, lease remains active for retry",
					"lease_id", row.ID)
				telemetry.ExpiryProvisionerFailuresTotal.Inc()
				continue
			}

			if err := r.store.DeactivateLease(ctx, tx, row.ID); err != nil {
				return fmt.Errorf("deactivating expired lease %d: %w", row.ID, err)
			}
			if err := r.store.MarkFree(ctx, tx, row.NodeID); err != nil {
				return fmt.Errorf("freeing node %d: %w", row.NodeID, err)
			}
			telemetry.LeasesExpiredTotal.Inc()
			r.publish(ctx, eventstream.Event{
				Kind:    "expired",
				NodeID:  row.NodeID,
				LeaseID: row.ID,
			})
		}
		return nil
	})
}
