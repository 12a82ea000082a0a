package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/runbook"
	"github.com/cutover-io/cutover/internal/storage"
)

// handleBatchInit moves a detected batch into init_dispatched and dispatches
// every pending init of the announced version. Replays re-list pending rows,
// skip the ones already dispatched, and re-settle the stage, so a crash
// mid-dispatch resumes where it stopped.
func (o *Orchestrator) handleBatchInit(ctx context.Context, msg bus.Message) error {
	var ev bus.BatchInitEvent
	if err := bus.DecodePayload(msg, &ev); err != nil {
		o.logger.Warn("undecodable batch-init dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	batch, err := o.stores.Batches.GetBatch(ctx, ev.BatchID)
	if errors.Is(err, storage.ErrBatchNotFound) {
		o.logger.Warn("batch-init for unknown batch dropped", slog.Int64("batch_id", ev.BatchID))

		return nil
	}

	if err != nil {
		return err
	}

	if batch.Status.IsTerminal() {
		o.logger.Debug("batch-init for settled batch dropped",
			slog.Int64("batch_id", batch.ID),
			slog.String("status", string(batch.Status)))

		return nil
	}

	moved, err := o.stores.Batches.TransitionBatch(ctx, batch.ID, execution.BatchDetected, execution.BatchInitDispatched)
	if err != nil {
		return err
	}

	if moved {
		o.logger.Info("batch init started",
			slog.Int64("batch_id", batch.ID),
			slog.String("runbook", ev.RunbookName),
			slog.Int("runbook_version", ev.RunbookVersion))
	}

	inits, err := o.stores.Execs.ListPendingInits(ctx, batch.ID, ev.RunbookVersion)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, init := range inits {
		if init.RetryAfter != nil {
			// A retry window owns this row; the retry-check dispatches it.
			continue
		}

		if _, err := o.dispatchInit(ctx, init, batch, ev.RunbookName,
			execution.InitJobID(init.ID, init.RetryCount), now); err != nil {
			return err
		}
	}

	// A rerun against inits that all settled already, or a replay after a
	// crash, activates here instead of waiting for a result that will never
	// come.
	return o.settleInitStage(ctx, batch.ID, ev.RunbookVersion)
}

// handlePhaseDue starts the announced phase and advances every member chain
// the scheduler materialized steps for. The pending-to-dispatched transition
// normally happens on the scheduler side after publishing; taking it here
// too covers in-process delivery, where this handler runs before the
// scheduler's own transition.
func (o *Orchestrator) handlePhaseDue(ctx context.Context, msg bus.Message) error {
	var ev bus.PhaseDueEvent
	if err := bus.DecodePayload(msg, &ev); err != nil {
		o.logger.Warn("undecodable phase-due dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	phase, err := o.stores.Execs.GetPhase(ctx, ev.PhaseExecutionID)
	if errors.Is(err, storage.ErrPhaseNotFound) {
		o.logger.Warn("phase-due for unknown phase dropped",
			slog.Int64("phase_execution_id", ev.PhaseExecutionID))

		return nil
	}

	if err != nil {
		return err
	}

	if phase.Status.IsTerminal() {
		o.logger.Debug("phase-due for settled phase dropped",
			slog.Int64("phase_execution_id", phase.ID),
			slog.String("status", string(phase.Status)))

		return nil
	}

	if phase.Status == execution.PhasePending {
		moved, err := o.stores.Execs.TransitionPhase(ctx, phase.ID, execution.PhasePending, execution.PhaseDispatched)
		if err != nil {
			return err
		}

		if moved {
			if err := o.stores.Batches.SetCurrentPhase(ctx, phase.BatchID, phase.PhaseName); err != nil {
				return err
			}

			o.logger.Info("phase started",
				slog.Int64("batch_id", phase.BatchID),
				slog.Int64("phase_execution_id", phase.ID),
				slog.String("phase", phase.PhaseName),
				slog.Int("members", len(ev.MemberIDs)))
		}

		phase.Status = execution.PhaseDispatched
	}

	for _, memberID := range ev.MemberIDs {
		if err := o.advanceMemberChain(ctx, phase, memberID, ev.RunbookName); err != nil {
			return err
		}
	}

	if len(ev.MemberIDs) == 0 {
		// No members to run steps for; the phase settles on its own.
		return o.evaluatePhase(ctx, phase)
	}

	return nil
}

// handleMemberAdded folds a late joiner into every phase already underway.
// Pending phases need nothing: their materialization picks the member up
// when they fire.
func (o *Orchestrator) handleMemberAdded(ctx context.Context, msg bus.Message) error {
	var ev bus.MemberEvent
	if err := bus.DecodePayload(msg, &ev); err != nil {
		o.logger.Warn("undecodable member-added dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	member, err := o.stores.Batches.GetMember(ctx, ev.BatchMemberID)
	if errors.Is(err, storage.ErrMemberNotFound) {
		o.logger.Warn("member-added for unknown member dropped",
			slog.Int64("batch_member_id", ev.BatchMemberID))

		return nil
	}

	if err != nil {
		return err
	}

	if member.Status != execution.MemberActive {
		o.logger.Debug("member-added for inactive member dropped",
			slog.Int64("batch_member_id", member.ID),
			slog.String("status", string(member.Status)))

		return nil
	}

	batch, err := o.stores.Batches.GetBatch(ctx, ev.BatchID)
	if err != nil {
		return err
	}

	if batch.Status.IsTerminal() {
		return nil
	}

	phases, err := o.stores.Execs.ListPhases(ctx, batch.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, phase := range phases {
		if phase.Status != execution.PhaseDispatched {
			continue
		}

		def, err := o.defForVersion(ctx, ev.RunbookName, phase.RunbookVersion)
		if err != nil {
			return err
		}

		rows := o.materializer.MemberSteps(def, phase, batch, member, now)
		if len(rows) > 0 {
			if _, err := o.stores.Execs.InsertSteps(ctx, rows); err != nil {
				return err
			}
		}

		o.logger.Info("member joined running phase",
			slog.Int64("batch_id", batch.ID),
			slog.Int64("batch_member_id", member.ID),
			slog.String("phase", phase.PhaseName),
			slog.Int("steps", len(rows)))

		if err := o.advanceMemberChain(ctx, phase, member.ID, ev.RunbookName); err != nil {
			return err
		}
	}

	return nil
}

// handleMemberRemoved cancels the leaving member's open steps, runs the
// runbook's rollback_on_removal sequence if one is defined and anything ran
// for the member, and re-evaluates the batch's running phases since the
// cancellations may have settled them.
func (o *Orchestrator) handleMemberRemoved(ctx context.Context, msg bus.Message) error {
	var ev bus.MemberEvent
	if err := bus.DecodePayload(msg, &ev); err != nil {
		o.logger.Warn("undecodable member-removed dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	member, err := o.stores.Batches.GetMember(ctx, ev.BatchMemberID)
	if errors.Is(err, storage.ErrMemberNotFound) {
		o.logger.Warn("member-removed for unknown member dropped",
			slog.Int64("batch_member_id", ev.BatchMemberID))

		return nil
	}

	if err != nil {
		return err
	}

	cancelled, err := o.stores.Execs.CancelMemberSteps(ctx, member.ID)
	if err != nil {
		return err
	}

	o.logger.Info("member removed from batch",
		slog.Int64("batch_id", ev.BatchID),
		slog.Int64("batch_member_id", member.ID),
		slog.String("member_key", member.MemberKey),
		slog.Int64("cancelled_steps", cancelled))

	phases, err := o.stores.Execs.ListPhases(ctx, ev.BatchID)
	if err != nil {
		return err
	}

	// The removal rollback runs under the last phase that dispatched work,
	// with that phase's runbook version. Nothing dispatched means nothing to
	// undo.
	if host := latestDispatchedPhase(phases); host != nil {
		def, err := o.defForVersion(ctx, ev.RunbookName, host.RunbookVersion)
		if err != nil {
			return err
		}

		if def.Rollback(runbook.RollbackOnRemoval) != nil {
			if err := o.startRollback(ctx, host, member.ID, runbook.RollbackOnRemoval, ev.RunbookName); err != nil {
				return err
			}
		}
	}

	for _, phase := range phases {
		if phase.Status != execution.PhaseDispatched {
			continue
		}

		if err := o.evaluatePhase(ctx, phase); err != nil {
			return err
		}
	}

	return nil
}

// latestDispatchedPhase picks the most recently dispatched phase execution,
// whatever its current status. Superseded rows count too: their steps ran
// under the old version and are what a removal has to undo.
func latestDispatchedPhase(phases []*execution.PhaseExecution) *execution.PhaseExecution {
	var host *execution.PhaseExecution

	for _, phase := range phases {
		if phase.DispatchedAt == nil {
			continue
		}

		if host == nil || phase.DispatchedAt.After(*host.DispatchedAt) {
			host = phase
		}
	}

	return host
}

// handlePollCheck re-invokes one polling execution, or times it out when its
// poll window has expired. Re-invocations leave the row in polling and carry
// the sweep's poll count in the job id, so each round is one deduplicated
// job no matter how often the check replays.
func (o *Orchestrator) handlePollCheck(ctx context.Context, msg bus.Message) error {
	var ev bus.PollCheckEvent
	if err := bus.DecodePayload(msg, &ev); err != nil {
		o.logger.Warn("undecodable poll-check dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	if ev.IsInitStep {
		return o.pollInit(ctx, &ev)
	}

	return o.pollStep(ctx, &ev)
}

func (o *Orchestrator) pollStep(ctx context.Context, ev *bus.PollCheckEvent) error {
	step, err := o.stores.Execs.GetStep(ctx, ev.StepExecutionID)
	if errors.Is(err, storage.ErrStepNotFound) {
		o.logger.Warn("poll-check for unknown step dropped",
			slog.Int64("step_execution_id", ev.StepExecutionID))

		return nil
	}

	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if step.Status == execution.StepPollTimeout {
		// Redelivery after a crash between the timeout transition and its
		// failure handling.
		return o.stepPollTimedOut(ctx, step, ev, now)
	}

	if step.Status != execution.StepPolling {
		o.logger.Debug("poll-check for step no longer polling dropped",
			slog.Int64("step_execution_id", step.ID),
			slog.String("status", string(step.Status)))

		return nil
	}

	if pollWindowExpired(step.PollStartedAt, step.PollTimeoutSec, now) {
		moved, err := o.stores.Execs.MarkStepPollTimeout(ctx, step.ID)
		if err != nil {
			return err
		}

		if !moved {
			return nil
		}

		o.logger.Warn("step poll window expired",
			slog.Int64("batch_id", ev.BatchID),
			slog.Int64("step_execution_id", step.ID),
			slog.String("step_name", step.StepName),
			slog.Int("poll_count", step.PollCount))

		return o.stepPollTimedOut(ctx, step, ev, now)
	}

	job, err := execution.BuildStepJob(step, ev.BatchID, ev.RunbookName, ev.RunbookVersion,
		execution.StepPollJobID(step.ID, ev.PollCount))
	if err != nil {
		o.logger.Error("step params unreadable, poll skipped",
			slog.Int64("step_execution_id", step.ID),
			slog.String("error", err.Error()))

		return nil
	}

	return o.publisher.Publish(ctx, o.busCfg.JobsTopic, bus.NewJobMessage(job))
}

// stepPollTimedOut puts a timed-out poll through the step failure policy.
func (o *Orchestrator) stepPollTimedOut(ctx context.Context, step *execution.StepExecution, ev *bus.PollCheckEvent, now time.Time) error {
	phase, err := o.stores.Execs.GetPhase(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}

	return o.failOrRetryStep(ctx, step, phase, ev.RunbookName,
		fmt.Sprintf("polling timed out after %ds", step.PollTimeoutSec), false, now)
}

func (o *Orchestrator) pollInit(ctx context.Context, ev *bus.PollCheckEvent) error {
	init, err := o.stores.Execs.GetInit(ctx, ev.StepExecutionID)
	if errors.Is(err, storage.ErrInitNotFound) {
		o.logger.Warn("poll-check for unknown init dropped",
			slog.Int64("init_execution_id", ev.StepExecutionID))

		return nil
	}

	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if init.Status == execution.StepPollTimeout {
		// Redelivery after a crash between the timeout transition and its
		// failure handling.
		return o.failOrRetryInit(ctx, init, ev.RunbookName,
			fmt.Sprintf("polling timed out after %ds", init.PollTimeoutSec), false, now)
	}

	if init.Status != execution.StepPolling {
		o.logger.Debug("poll-check for init no longer polling dropped",
			slog.Int64("init_execution_id", init.ID),
			slog.String("status", string(init.Status)))

		return nil
	}

	if pollWindowExpired(init.PollStartedAt, init.PollTimeoutSec, now) {
		moved, err := o.stores.Execs.MarkInitPollTimeout(ctx, init.ID)
		if err != nil {
			return err
		}

		if !moved {
			return nil
		}

		o.logger.Warn("init poll window expired",
			slog.Int64("batch_id", init.BatchID),
			slog.Int64("init_execution_id", init.ID),
			slog.String("step_name", init.StepName),
			slog.Int("poll_count", init.PollCount))

		return o.failOrRetryInit(ctx, init, ev.RunbookName,
			fmt.Sprintf("polling timed out after %ds", init.PollTimeoutSec), false, now)
	}

	batch, err := o.stores.Batches.GetBatch(ctx, init.BatchID)
	if err != nil {
		return err
	}

	job, ok := o.buildInitJob(init, batch, ev.RunbookName, execution.InitPollJobID(init.ID, ev.PollCount), now)
	if !ok {
		return nil
	}

	return o.publisher.Publish(ctx, o.busCfg.JobsTopic, bus.NewJobMessage(job))
}

// pollWindowExpired reports whether a polling row opened at startedAt has
// outlived its timeout.
func pollWindowExpired(startedAt *time.Time, timeoutSec int, now time.Time) bool {
	if startedAt == nil || timeoutSec <= 0 {
		return false
	}

	return !now.Before(startedAt.Add(time.Duration(timeoutSec) * time.Second))
}

// handleRetryCheck re-dispatches an execution whose retry delay has elapsed.
// Rows that left pending since the retry was scheduled (cancelled, or picked
// up by a replica) are dropped.
func (o *Orchestrator) handleRetryCheck(ctx context.Context, msg bus.Message) error {
	var ev bus.RetryCheckEvent
	if err := bus.DecodePayload(msg, &ev); err != nil {
		o.logger.Warn("undecodable retry-check dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	if ev.IsInitStep {
		return o.retryInit(ctx, &ev)
	}

	return o.retryStep(ctx, &ev)
}

func (o *Orchestrator) retryStep(ctx context.Context, ev *bus.RetryCheckEvent) error {
	step, err := o.stores.Execs.GetStep(ctx, ev.StepExecutionID)
	if errors.Is(err, storage.ErrStepNotFound) {
		o.logger.Warn("retry-check for unknown step dropped",
			slog.Int64("step_execution_id", ev.StepExecutionID))

		return nil
	}

	if err != nil {
		return err
	}

	if step.Status != execution.StepPending {
		o.logger.Debug("retry-check for step no longer pending dropped",
			slog.Int64("step_execution_id", step.ID),
			slog.String("status", string(step.Status)))

		return nil
	}

	_, err = o.dispatchStep(ctx, step, ev.BatchID, ev.RunbookName, ev.RunbookVersion,
		execution.StepRetryJobID(step.ID, step.RetryCount))

	return err
}

func (o *Orchestrator) retryInit(ctx context.Context, ev *bus.RetryCheckEvent) error {
	init, err := o.stores.Execs.GetInit(ctx, ev.StepExecutionID)
	if errors.Is(err, storage.ErrInitNotFound) {
		o.logger.Warn("retry-check for unknown init dropped",
			slog.Int64("init_execution_id", ev.StepExecutionID))

		return nil
	}

	if err != nil {
		return err
	}

	if init.Status != execution.StepPending {
		o.logger.Debug("retry-check for init no longer pending dropped",
			slog.Int64("init_execution_id", init.ID),
			slog.String("status", string(init.Status)))

		return nil
	}

	batch, err := o.stores.Batches.GetBatch(ctx, init.BatchID)
	if err != nil {
		return err
	}

	_, err = o.dispatchInit(ctx, init, batch, ev.RunbookName,
		execution.InitRetryJobID(init.ID, init.RetryCount), time.Now().UTC())

	return err
}
