package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/eventstream"
	"github.com/wisbric/fleetrent/internal/telemetry"
)

// tickHealth claims nodes due for a check, marks last_checked to remove
// them from the claim predicate, commits, then probes each outside the
// lock and applies the result in a short follow-up transaction. The
// marker-then-probe ordering guarantees no two replicas probe the same
// node within one stalePeriod.
func (r *Reconciler) tickHealth(ctx context.Context) error {
	now := time.Now().UTC()

	var claimed []catalog.Node
	err := r.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		nodes, err := r.store.ClaimStaleNodes(ctx, tx, now, r.intervals.StalePeriod, r.batches.Health)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := r.store.TouchLastChecked(ctx, tx, n.ID, now); err != nil {
				return err
			}
		}
		claimed = nodes
		return nil
	})
	if err != nil {
		return fmt.Errorf("claiming stale nodes: %w", err)
	}

	for _, n := range claimed {
		result := r.prober.Check(ctx, n.Hostname, n.SSHPort)
		telemetry.NodesProbedTotal.WithLabelValues(result).Inc()

		checkedAt := time.Now().UTC()
		err := r.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			return r.store.SetStatus(ctx, tx, n.ID, result, checkedAt)
		})
		if err != nil {
			r.logger.Error("applying health check result", "node_id", n.ID, "error", err)
			continue
		}
		r.publish(ctx, eventstream.Event{Kind: "health", NodeID: n.ID, Detail: result})
	}

	if util, err := r.store.PoolUtilization(ctx); err != nil {
		r.logger.Error("computing pool utilization", "error", err)
	} else {
		telemetry.PoolUtilizationRatio.Set(util)
	}

	return nil
}
