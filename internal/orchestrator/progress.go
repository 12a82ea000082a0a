package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/runbook"
)

// advanceMemberChain walks one member's regular step chain and makes the
// next move: dispatch the first dispatchable pending step, settle a
// materialization failure nothing has acted on yet, or, when every step is
// satisfied, re-evaluate the phase. Steps that failed under a skip directive
// count as satisfied. The walk is safe to replay from any handler because
// every move behind it is compare-and-set.
func (o *Orchestrator) advanceMemberChain(ctx context.Context, phase *execution.PhaseExecution, memberID int64, runbookName string) error {
	steps, err := o.stores.Execs.ListMemberSteps(ctx, phase.ID, memberID, false)
	if err != nil {
		return err
	}

	for _, st := range steps {
		switch {
		case st.Status.IsSuccess():
			continue

		case st.Status == execution.StepFailed:
			if directiveFor(st.OnFailure).Action == runbook.FailureSkip {
				continue
			}

			if st.DispatchedAt == nil {
				// Born failed during materialization; no worker result
				// will ever run its directive.
				return o.settleFailedStep(ctx, phase, st, runbookName)
			}

			return nil

		case st.Status == execution.StepPending && st.RetryAfter == nil:
			_, err := o.dispatchStep(ctx, st, phase.BatchID, runbookName, phase.RunbookVersion,
				execution.StepJobID(st.ID, st.RetryCount))

			return err

		default:
			// In flight, waiting out a retry window, or cancelled; another
			// handler owns the next move.
			return nil
		}
	}

	return o.evaluatePhase(ctx, phase)
}

// settleFailedStep applies the consequences of a terminally failed step.
// The row itself is already failed when this runs: skip lets the chain
// advance past it, rollback and exhausted retries stop the member,
// fail_phase and fail_batch escalate.
func (o *Orchestrator) settleFailedStep(ctx context.Context, phase *execution.PhaseExecution, st *execution.StepExecution, runbookName string) error {
	directive := directiveFor(st.OnFailure)

	switch directive.Action {
	case runbook.FailureSkip:
		return o.advanceMemberChain(ctx, phase, st.BatchMemberID, runbookName)

	case runbook.FailureRollback:
		if err := o.stopMemberChain(ctx, phase.BatchID, st.BatchMemberID); err != nil {
			return err
		}

		return o.startRollback(ctx, phase, st.BatchMemberID, directive.Rollback, runbookName)

	case runbook.FailureFailPhase:
		if err := o.stopMemberChain(ctx, phase.BatchID, st.BatchMemberID); err != nil {
			return err
		}

		return o.failPhase(ctx, phase)

	case runbook.FailureFailBatch:
		if _, err := o.stores.Batches.MarkMemberFailed(ctx, st.BatchMemberID); err != nil {
			return err
		}

		return o.failBatch(ctx, phase.BatchID, "fail_batch directive on step "+st.StepName)

	default:
		// Retry budget exhausted.
		if err := o.stopMemberChain(ctx, phase.BatchID, st.BatchMemberID); err != nil {
			return err
		}

		return o.evaluatePhase(ctx, phase)
	}
}

// stopMemberChain cancels the member's remaining cancellable steps and marks
// the member failed. Later phases never materialize steps for failed
// members.
func (o *Orchestrator) stopMemberChain(ctx context.Context, batchID, memberID int64) error {
	cancelled, err := o.stores.Execs.CancelMemberSteps(ctx, memberID)
	if err != nil {
		return err
	}

	failed, err := o.stores.Batches.MarkMemberFailed(ctx, memberID)
	if err != nil {
		return err
	}

	if failed {
		o.logger.Warn("member failed",
			slog.Int64("batch_id", batchID),
			slog.Int64("batch_member_id", memberID),
			slog.Int64("cancelled_steps", cancelled))
	}

	return nil
}

// startRollback materializes the named rollback sequence for the member
// under the phase and dispatches its first step. The insert is keyed, so a
// replay finds the rows already present and the dispatch scan takes over.
func (o *Orchestrator) startRollback(ctx context.Context, phase *execution.PhaseExecution, memberID int64, sequence, runbookName string) error {
	def, err := o.defForVersion(ctx, runbookName, phase.RunbookVersion)
	if err != nil {
		return err
	}

	batch, err := o.stores.Batches.GetBatch(ctx, phase.BatchID)
	if err != nil {
		return err
	}

	member, err := o.stores.Batches.GetMember(ctx, memberID)
	if err != nil {
		return err
	}

	rows, err := o.materializer.RollbackSteps(def, phase, batch, member, sequence, time.Now().UTC())
	if err != nil {
		// Validation pins on_failure rollbacks to defined sequences, so a
		// missing one means the version changed underneath the failure.
		o.logger.Error("rollback sequence unavailable",
			slog.Int64("batch_id", batch.ID),
			slog.String("sequence", sequence),
			slog.String("error", err.Error()))

		return o.evaluatePhase(ctx, phase)
	}

	if _, err := o.stores.Execs.InsertSteps(ctx, rows); err != nil {
		return err
	}

	o.logger.Info("rollback sequence started",
		slog.Int64("batch_id", batch.ID),
		slog.Int64("batch_member_id", memberID),
		slog.String("sequence", sequence),
		slog.Int("steps", len(rows)))

	return o.advanceRollbackChain(ctx, phase, memberID, runbookName)
}

// advanceRollbackChain dispatches the next pending rollback step, or closes
// the sequence out once every row has succeeded. A failed or cancelled
// rollback row halts the sequence and leaves the triggering step failed.
func (o *Orchestrator) advanceRollbackChain(ctx context.Context, phase *execution.PhaseExecution, memberID int64, runbookName string) error {
	rows, err := o.stores.Execs.ListMemberSteps(ctx, phase.ID, memberID, true)
	if err != nil {
		return err
	}

	for _, st := range rows {
		switch st.Status {
		case execution.StepSucceeded:
			continue

		case execution.StepPending:
			_, err := o.dispatchStep(ctx, st, phase.BatchID, runbookName, phase.RunbookVersion,
				execution.RollbackJobID(phase.BatchID, memberID, st.StepName, st.StepIndex))

			return err

		case execution.StepFailed, execution.StepCancelled:
			o.logger.Error("rollback sequence halted",
				slog.Int64("batch_id", phase.BatchID),
				slog.Int64("batch_member_id", memberID),
				slog.String("step_name", st.StepName))

			return o.evaluatePhase(ctx, phase)

		default:
			// Job in flight or polling; its result advances the sequence.
			return nil
		}
	}

	return o.finishRollback(ctx, phase, memberID)
}

// finishRollback marks the step that triggered the completed sequence as
// rolled_back and re-evaluates the phase. Sequences run for a removed
// member have no trigger row and just settle the phase.
func (o *Orchestrator) finishRollback(ctx context.Context, phase *execution.PhaseExecution, memberID int64) error {
	steps, err := o.stores.Execs.ListMemberSteps(ctx, phase.ID, memberID, false)
	if err != nil {
		return err
	}

	// Chains stop at the first non-skip failure, so at most one regular row
	// carries a rollback directive in failed state.
	for _, st := range steps {
		if st.Status != execution.StepFailed || directiveFor(st.OnFailure).Action != runbook.FailureRollback {
			continue
		}

		moved, err := o.stores.Execs.MarkStepRolledBack(ctx, st.ID)
		if err != nil {
			return err
		}

		if moved {
			o.logger.Info("step rolled back",
				slog.Int64("batch_id", phase.BatchID),
				slog.Int64("step_execution_id", st.ID),
				slog.String("step_name", st.StepName))
		}
	}

	return o.evaluatePhase(ctx, phase)
}

// failPhase fails the phase and sweeps its remaining rows so accounting
// settles. Results for swept jobs land on cancelled rows and miss their
// status guards.
func (o *Orchestrator) failPhase(ctx context.Context, phase *execution.PhaseExecution) error {
	moved, err := o.stores.Execs.TransitionPhase(ctx, phase.ID, execution.PhaseDispatched, execution.PhaseFailed)
	if err != nil {
		return err
	}

	if moved {
		if _, err := o.stores.Execs.CancelPhaseSteps(ctx, phase.ID); err != nil {
			return err
		}

		o.logger.Warn("phase failed",
			slog.Int64("batch_id", phase.BatchID),
			slog.Int64("phase_execution_id", phase.ID),
			slog.String("phase", phase.PhaseName))
	}

	return o.evaluateBatch(ctx, phase.BatchID)
}

// failBatch cancels the batch's remaining work and fails it from whichever
// non-terminal status it was observed in.
func (o *Orchestrator) failBatch(ctx context.Context, batchID int64, reason string) error {
	batch, err := o.stores.Batches.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if batch.Status.IsTerminal() {
		return nil
	}

	if _, err := o.stores.Execs.CancelBatchSteps(ctx, batchID); err != nil {
		return err
	}

	if _, err := o.stores.Execs.CancelBatchInits(ctx, batchID); err != nil {
		return err
	}

	moved, err := o.stores.Batches.TransitionBatch(ctx, batchID, batch.Status, execution.BatchFailed)
	if err != nil {
		return err
	}

	if moved {
		o.logger.Error("batch failed",
			slog.Int64("batch_id", batchID),
			slog.String("reason", reason))
	}

	return nil
}

// evaluatePhase completes the phase once every step row, rollback rows
// included, is terminal. Phases failed by a directive keep their status;
// the completion transition simply misses.
func (o *Orchestrator) evaluatePhase(ctx context.Context, phase *execution.PhaseExecution) error {
	open, err := o.stores.Execs.CountNonTerminalSteps(ctx, phase.ID)
	if err != nil {
		return err
	}

	if open > 0 {
		return nil
	}

	moved, err := o.stores.Execs.TransitionPhase(ctx, phase.ID, execution.PhaseDispatched, execution.PhaseCompleted)
	if err != nil {
		return err
	}

	if moved {
		o.logger.Info("phase completed",
			slog.Int64("batch_id", phase.BatchID),
			slog.Int64("phase_execution_id", phase.ID),
			slog.String("phase", phase.PhaseName))
	}

	return o.evaluateBatch(ctx, phase.BatchID)
}

// evaluateBatch settles the batch once every phase is terminal: completed
// while at least one member is still active, failed when every member was
// lost along the way.
func (o *Orchestrator) evaluateBatch(ctx context.Context, batchID int64) error {
	open, err := o.stores.Execs.CountNonTerminalPhases(ctx, batchID)
	if err != nil {
		return err
	}

	if open > 0 {
		return nil
	}

	active, err := o.stores.Batches.CountActiveMembers(ctx, batchID)
	if err != nil {
		return err
	}

	target := execution.BatchCompleted
	if active == 0 {
		target = execution.BatchFailed
	}

	moved, err := o.stores.Batches.TransitionBatch(ctx, batchID, execution.BatchActive, target)
	if err != nil {
		return err
	}

	if !moved {
		return nil
	}

	if target == execution.BatchCompleted {
		o.logger.Info("batch completed",
			slog.Int64("batch_id", batchID),
			slog.Int("active_members", active))
	} else {
		o.logger.Error("batch failed, no members survived",
			slog.Int64("batch_id", batchID))
	}

	return nil
}

// settleInitStage activates the batch once every init of the version is
// terminal and none failed. Skipped inits satisfy the gate; a failed init
// fails the batch instead. Init reruns against an already-active batch
// leave it active because the activation transition misses.
func (o *Orchestrator) settleInitStage(ctx context.Context, batchID int64, version int) error {
	unfinished, err := o.stores.Execs.CountUnfinishedInits(ctx, batchID, version)
	if err != nil {
		return err
	}

	if unfinished > 0 {
		return nil
	}

	failed, err := o.stores.Execs.CountFailedInits(ctx, batchID, version)
	if err != nil {
		return err
	}

	if failed > 0 {
		return o.failBatch(ctx, batchID, "init step failed")
	}

	moved, err := o.stores.Batches.TransitionBatch(ctx, batchID, execution.BatchInitDispatched, execution.BatchActive)
	if err != nil {
		return err
	}

	if moved {
		o.logger.Info("batch active",
			slog.Int64("batch_id", batchID),
			slog.Int("runbook_version", version))
	}

	return nil
}

// defForVersion loads and parses the stored runbook version backing a
// batch's current execution rows.
func (o *Orchestrator) defForVersion(ctx context.Context, runbookName string, version int) (*runbook.Definition, error) {
	rb, err := o.stores.Runbooks.GetVersion(ctx, runbookName, version)
	if err != nil {
		return nil, err
	}

	return runbook.ParseAndValidate([]byte(rb.YAML))
}

// directiveFor parses an on_failure value, falling back to retry when it is
// unreadable. Terminal handling treats the fallback as a plain chain stop.
func directiveFor(onFailure string) runbook.FailureDirective {
	directive, err := runbook.ParseOnFailure(onFailure)
	if err != nil {
		return runbook.FailureDirective{Action: runbook.FailureRetry}
	}

	return directive
}
