// Package reconciler runs the four background loops that drive the fleet
// toward its declared target state: Health, Migration, Expiry, Scrub. Each
// loop runs on its own schedule, independent of the others and of any
// other control-plane replica, and claims its work under FOR UPDATE SKIP
// LOCKED. Health updates a marker that removes the claimed rows from the
// claim predicate, commits, then probes outside the lock. Migration, Expiry
// and Scrub make their provisioner calls inside the claiming transaction
// and commit afterwards.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/fleetrent/internal/eventstream"
)

// Intervals configures the cadence of each loop plus the Health loop's
// staleness threshold.
type Intervals struct {
	Health      time.Duration
	Migration   time.Duration
	Expiry      time.Duration
	Scrub       time.Duration
	StalePeriod time.Duration
}

// BatchSizes bounds how many rows each loop claims per iteration.
type BatchSizes struct {
	Health    int
	Migration int
	Expiry    int
	Scrub     int
}

// Reconciler owns the four loops. Every loop logs and relies on re-entry on
// failure; none of them surfaces errors upward.
type Reconciler struct {
	store       Store
	vault       Vault
	provisioner Provisioner
	prober      Prober
	publisher   *eventstream.Publisher
	logger      *slog.Logger
	intervals   Intervals
	batches     BatchSizes
}

// New creates a Reconciler. publisher may be nil, in which case loop
// outcomes are not fanned out to connected operators. store, v, p, and pr
// accept any implementation of this package's Store/Vault/Provisioner/
// Prober interfaces — production code passes the concrete *catalog.Store,
// *vault.Vault, *provisioner.Adapter, and *probe.Prober.
func New(store Store, v Vault, p Provisioner, pr Prober, publisher *eventstream.Publisher, logger *slog.Logger, intervals Intervals, batches BatchSizes) *Reconciler {
	return &Reconciler{
		store:       store,
		vault:       v,
		provisioner: p,
		prober:      pr,
		publisher:   publisher,
		logger:      logger,
		intervals:   intervals,
		batches:     batches,
	}
}

// publish emits ev if a publisher is configured.
func (r *Reconciler) publish(ctx context.Context, ev eventstream.Event) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, r.logger, ev)
}

// Run starts all four loops and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	go r.runLoop(ctx, "health", r.intervals.Health, r.tickHealth)
	go r.runLoop(ctx, "migration", r.intervals.Migration, r.tickMigration)
	go r.runLoop(ctx, "expiry", r.intervals.Expiry, r.tickExpiry)
	go r.runLoop(ctx, "scrub", r.intervals.Scrub, r.tickScrub)

	<-ctx.Done()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) runLoop(ctx context.Context, name string, interval time.Duration, tick func(ctx context.Context) error) {
	r.logger.Info("reconciliation loop started", "loop", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				r.logger.Error("reconciliation loop tick failed", "loop", name, "error", err)
			}
		}
	}
}
