package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/runbook"
)

// driveBatches advances every in-flight batch of the runbook. Detected
// batches get re-kicked in case their announcement was lost to a crash,
// active batches first absorb any version change and then fire their due
// phases. Batches mid-init belong to the orchestrator and are left alone.
func (s *Scheduler) driveBatches(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, now time.Time) error {
	batches, err := s.stores.Batches.ListNonTerminalByRunbook(ctx, rb.Name)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		switch batch.Status {
		case execution.BatchDetected:
			count, err := s.stores.Batches.CountActiveMembers(ctx, batch.ID)
			if err != nil {
				return err
			}

			if err := s.kickOffBatch(ctx, rb, batch, count); err != nil {
				return fmt.Errorf("kick off batch %d: %w", batch.ID, err)
			}
		case execution.BatchActive:
			if err := s.applyVersionChange(ctx, rb, def, batch, now); err != nil {
				return fmt.Errorf("apply version change to batch %d: %w", batch.ID, err)
			}

			if err := s.dispatchDuePhases(ctx, rb, def, batch, now); err != nil {
				return fmt.Errorf("dispatch due phases of batch %d: %w", batch.ID, err)
			}
		}
	}

	return nil
}

// applyVersionChange replaces a batch's phase generation when a newer
// runbook version activated since the last tick. The replacement runs
// before any due phase fires so a due phase is always materialized against
// the definition it was created under. Phases already overdue on the new
// timeline follow the runbook's overdue behavior. When the runbook reruns
// inits on version changes and the batch's previous inits have run, a fresh
// init generation lands in the same transaction and is announced after it.
func (s *Scheduler) applyVersionChange(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, batch *execution.Batch, now time.Time) error {
	current, err := s.stores.Execs.PhaseVersionExists(ctx, batch.ID, rb.Version)
	if err != nil {
		return err
	}

	if current {
		return nil
	}

	phases, err := versionPhaseRows(def, rb.Version, batch, now)
	if err != nil {
		return err
	}

	inits, err := s.rerunInits(ctx, rb, def, batch)
	if err != nil {
		return err
	}

	superseded, err := s.stores.Execs.ReplacePhaseGeneration(ctx, batch.ID, rb.Version, phases, inits)
	if err != nil {
		return err
	}

	s.logger.Info("batch moved to new runbook version",
		slog.Int64("batch_id", batch.ID),
		slog.String("runbook", rb.Name),
		slog.Int("version", rb.Version),
		slog.Int64("superseded_phases", superseded),
		slog.Int("rerun_inits", len(inits)))

	if len(inits) == 0 {
		return nil
	}

	count, err := s.stores.Batches.CountActiveMembers(ctx, batch.ID)
	if err != nil {
		return err
	}

	msg := bus.NewBatchInitMessage(bus.BatchInitEvent{
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		MemberCount:    count,
	})

	if err := s.publisher.Publish(ctx, s.busCfg.ControlTopic, msg); err != nil {
		return fmt.Errorf("publish batch-init for batch %d: %w", batch.ID, err)
	}

	return nil
}

// rerunInits builds the new version's init generation for a batch whose
// runbook reruns inits on version changes. Only batches that ran inits
// before rerun them; a batch that never had any stays past the init stage.
func (s *Scheduler) rerunInits(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, batch *execution.Batch) ([]*execution.InitExecution, error) {
	if !def.RerunInit || len(def.Init) == 0 {
		return nil, nil
	}

	exists, err := s.stores.Execs.InitVersionExists(ctx, batch.ID, rb.Version)
	if err != nil {
		return nil, err
	}

	if exists {
		return nil, nil
	}

	prior, err := s.stores.Execs.ListInits(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	if len(prior) == 0 {
		return nil, nil
	}

	return s.materializer.InitSteps(def, batch, rb.Version), nil
}

// dispatchDuePhases fires the batch's pending phases whose due time has
// arrived: step rows are materialized for every active member, the
// phase-due event goes out, and the phase moves to dispatched. The step
// insert is keyed and the transition compare-and-set, so a tick that died
// between them finishes the job on the next pass without duplicating work.
func (s *Scheduler) dispatchDuePhases(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, batch *execution.Batch, now time.Time) error {
	due, err := s.stores.Execs.ListDuePendingPhases(ctx, batch.ID, now)
	if err != nil {
		return err
	}

	if len(due) == 0 {
		return nil
	}

	members, err := s.stores.Batches.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		return err
	}

	memberIDs := make([]int64, 0, len(members))
	for _, member := range members {
		memberIDs = append(memberIDs, member.ID)
	}

	for _, phase := range due {
		steps := s.materializer.PhaseSteps(def, phase, batch, members, now)

		inserted, err := s.stores.Execs.InsertSteps(ctx, steps)
		if err != nil {
			return err
		}

		ev := bus.PhaseDueEvent{
			RunbookName:      rb.Name,
			RunbookVersion:   phase.RunbookVersion,
			BatchID:          batch.ID,
			PhaseExecutionID: phase.ID,
			PhaseName:        phase.PhaseName,
			OffsetMinutes:    phase.OffsetMinutes,
			DueAt:            phase.DueAt,
			MemberIDs:        memberIDs,
		}

		if err := s.publisher.Publish(ctx, s.busCfg.ControlTopic, bus.NewPhaseDueMessage(ev)); err != nil {
			return fmt.Errorf("publish phase-due for phase %d: %w", phase.ID, err)
		}

		moved, err := s.stores.Execs.TransitionPhase(ctx, phase.ID, execution.PhasePending, execution.PhaseDispatched)
		if err != nil {
			return err
		}

		if !moved {
			s.logger.Debug("phase advanced elsewhere",
				slog.Int64("phase_execution_id", phase.ID))

			continue
		}

		if err := s.stores.Batches.SetCurrentPhase(ctx, batch.ID, phase.PhaseName); err != nil {
			return err
		}

		metrics.RecordPhaseDispatched(rb.Name)

		s.logger.Info("phase dispatched",
			slog.Int64("batch_id", batch.ID),
			slog.String("runbook", rb.Name),
			slog.String("phase", phase.PhaseName),
			slog.Int("version", phase.RunbookVersion),
			slog.Int("steps", inserted),
			slog.Int("members", len(memberIDs)))
	}

	return nil
}

// versionPhaseRows builds the replacement phase generation for a batch
// moving to a new runbook version. Timed batches recompute due times from
// the batch start time; already-overdue phases stay pending and fire on
// this tick under rerun, or come out skipped under ignore. Manual batches
// have no due times and every phase waits for an explicit advance.
func versionPhaseRows(def *runbook.Definition, version int, batch *execution.Batch, now time.Time) ([]*execution.PhaseExecution, error) {
	if batch.BatchStartTime == nil {
		rows := make([]*execution.PhaseExecution, 0, len(def.Phases))

		for i := range def.Phases {
			phase := &def.Phases[i]

			offset, err := runbook.ParseOffset(phase.Offset)
			if err != nil {
				return nil, fmt.Errorf("phase %q offset: %w", phase.Name, err)
			}

			rows = append(rows, &execution.PhaseExecution{
				PhaseName:      phase.Name,
				OffsetMinutes:  offset,
				RunbookVersion: version,
				Status:         execution.PhasePending,
			})
		}

		return rows, nil
	}

	rows, err := phaseRows(def, version, *batch.BatchStartTime)
	if err != nil {
		return nil, err
	}

	if def.OverdueBehavior.OrDefault() == runbook.OverdueIgnore {
		for _, row := range rows {
			if row.DueAt != nil && !row.DueAt.After(now) {
				row.Status = execution.PhaseSkipped
			}
		}
	}

	return rows, nil
}
