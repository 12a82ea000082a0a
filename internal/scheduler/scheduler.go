// Package scheduler runs the periodic tick that turns runbook definitions
// and data-source rows into batches, step materializations, and poll checks.
// At most one replica works at a time: the tick runs under a distributed
// lease, and every write it makes is transactional or compare-and-set, so a
// crashed tick is picked up cleanly by the next one.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/datasource"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/runbook"
)

// leaseReleaseTimeout bounds the release call on shutdown paths where the
// tick's own context is already cancelled.
const leaseReleaseTimeout = 10 * time.Second

// Stores bundles the storage dependencies of the scheduler.
type Stores struct {
	Runbooks RunbookStore
	Batches  BatchStore
	Execs    ExecutionStore
	Tables   DynamicTableStore
	Leases   LeaseStore
}

// Scheduler owns the periodic tick.
type Scheduler struct {
	cfg          *Config
	busCfg       *bus.Config
	stores       Stores
	sources      *datasource.Registry
	publisher    bus.Publisher
	materializer *execution.Materializer
	logger       *slog.Logger
}

// New creates a scheduler over the given stores, data-source registry, and
// publisher.
func New(cfg *Config, busCfg *bus.Config, stores Stores, sources *datasource.Registry, publisher bus.Publisher) *Scheduler {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	return &Scheduler{
		cfg:          cfg,
		busCfg:       busCfg,
		stores:       stores,
		sources:      sources,
		publisher:    publisher,
		materializer: execution.NewMaterializer(logger),
		logger:       logger,
	}
}

// Run ticks until the context is cancelled. The first tick fires immediately
// so a fresh deployment starts working without waiting out an interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.cfg.TickInterval),
		slog.String("lease_name", s.cfg.LeaseName),
		slog.String("holder", s.cfg.Holder))

	s.Tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")

			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one scheduling pass under the tick lease. When another replica
// holds the lease the pass exits as a no-op. The lease is released on every
// exit path; if the release itself fails, the TTL expires it.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	acquired, err := s.stores.Leases.Acquire(ctx, s.cfg.LeaseName, s.cfg.Holder, s.cfg.LeaseTTL)
	if err != nil {
		metrics.RecordLeaseAcquisition("error")
		s.logger.Error("tick lease acquisition failed", slog.String("error", err.Error()))

		return
	}

	if !acquired {
		metrics.RecordLeaseAcquisition("held")
		s.logger.Debug("tick lease held elsewhere, skipping pass")

		return
	}

	metrics.RecordLeaseAcquisition("acquired")

	defer func() {
		// The tick context may already be cancelled on shutdown.
		releaseCtx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		defer cancel()

		if err := s.stores.Leases.Release(releaseCtx, s.cfg.LeaseName, s.cfg.Holder); err != nil {
			s.logger.Warn("tick lease release failed", slog.String("error", err.Error()))
		}
	}()

	started := time.Now()

	runbooks, err := s.stores.Runbooks.ListActive(ctx)
	if err != nil {
		metrics.ObserveTick(time.Since(started).Seconds(), "error")
		s.logger.Error("failed to list active runbooks", slog.String("error", err.Error()))

		return
	}

	for _, rb := range runbooks {
		// Shutdown is honored between runbooks, never mid-runbook.
		if ctx.Err() != nil {
			return
		}

		if err := s.processRunbook(ctx, rb, now); err != nil {
			metrics.RecordRunbookSyncError(rb.Name)
			s.logger.Error("runbook processing failed",
				slog.String("runbook", rb.Name),
				slog.Int("version", rb.Version),
				slog.String("error", err.Error()))

			if storeErr := s.stores.Runbooks.SetLastError(ctx, rb.ID, err.Error()); storeErr != nil {
				s.logger.Warn("failed to record runbook error", slog.String("error", storeErr.Error()))
			}

			continue
		}

		if err := s.stores.Runbooks.ClearLastError(ctx, rb.ID); err != nil {
			s.logger.Warn("failed to clear runbook error", slog.String("error", err.Error()))
		}
	}

	if ctx.Err() != nil {
		return
	}

	s.sweepPolling(ctx, now)

	metrics.ObserveTick(time.Since(started).Seconds(), "ok")

	s.logger.Info("tick completed",
		slog.Int("runbooks", len(runbooks)),
		slog.Duration("elapsed", time.Since(started)))
}

// processRunbook runs the per-runbook portion of the tick: member sync and
// batch detection when automation allows it, then batch advancement. Errors
// are contained to the runbook so one bad definition or unreachable source
// cannot stall the rest of the tick.
func (s *Scheduler) processRunbook(ctx context.Context, rb *execution.Runbook, now time.Time) error {
	def, err := runbook.ParseAndValidate([]byte(rb.YAML))
	if err != nil {
		return fmt.Errorf("parse runbook %s v%d: %w", rb.Name, rb.Version, err)
	}

	enabled, err := s.stores.Runbooks.AutomationEnabled(ctx, rb.Name)
	if err != nil {
		return err
	}

	if enabled {
		groups, err := s.syncMembers(ctx, rb, def, now)
		if err != nil {
			return err
		}

		if err := s.reconcileGroups(ctx, rb, def, groups); err != nil {
			return err
		}
	} else {
		s.logger.Debug("automation disabled, skipping member sync", slog.String("runbook", rb.Name))
	}

	return s.driveBatches(ctx, rb, def, now)
}
