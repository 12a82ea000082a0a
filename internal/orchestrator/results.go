package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/runbook"
	"github.com/cutover-io/cutover/internal/storage"
)

// applyStepResult applies one worker outcome to its step execution row and
// advances whatever the new state unblocks. Results for rows that already
// settled re-run the follow-up work instead of the transition, which repairs
// a crash between the two; results from a superseded attempt are dropped.
func (o *Orchestrator) applyStepResult(ctx context.Context, res *bus.Result) error {
	step, err := o.stores.Execs.GetStep(ctx, res.CorrelationData.StepExecutionID)
	if errors.Is(err, storage.ErrStepNotFound) {
		o.logger.Warn("result for unknown step dropped",
			slog.String("job_id", res.JobID),
			slog.Int64("step_execution_id", res.CorrelationData.StepExecutionID))

		return nil
	}

	if err != nil {
		return err
	}

	runbookName := res.CorrelationData.RunbookName
	now := time.Now().UTC()

	switch step.Status {
	case execution.StepDispatched:
		if step.JobID != nil && res.JobID != *step.JobID {
			// A retry superseded the attempt this result belongs to.
			o.logger.Debug("stale step result dropped",
				slog.Int64("step_execution_id", step.ID),
				slog.String("job_id", res.JobID),
				slog.String("current_job_id", *step.JobID))

			return nil
		}

		if !res.Succeeded() {
			return o.stepFailure(ctx, step, res, now)
		}

		if complete, _, ok := res.PollOutcome(); step.IsPollStep && ok && !complete {
			moved, err := o.stores.Execs.StepToPolling(ctx, step.ID)
			if err != nil {
				return err
			}

			if moved {
				o.logger.Info("step polling",
					slog.Int64("step_execution_id", step.ID),
					slog.String("step_name", step.StepName),
					slog.Int("poll_interval_sec", step.PollIntervalSec))
			}

			return nil
		}

		return o.completeStep(ctx, step, res, runbookName)

	case execution.StepPolling:
		if !res.Succeeded() {
			return o.stepFailure(ctx, step, res, now)
		}

		if complete, _, ok := res.PollOutcome(); ok && !complete {
			_, err := o.stores.Execs.ContinueStepPolling(ctx, step.ID)

			return err
		}

		return o.completeStep(ctx, step, res, runbookName)

	case execution.StepSucceeded:
		if !res.Succeeded() {
			return nil
		}

		// Redelivery after a crash between the completion and its follow-up.
		return o.afterStepSuccess(ctx, step, runbookName)

	case execution.StepFailed:
		if res.Succeeded() {
			return nil
		}

		// Redelivery after a crash between the failure and its settlement.
		return o.resettleFailedStep(ctx, step, runbookName)

	default:
		o.logger.Debug("result for settled step dropped",
			slog.Int64("step_execution_id", step.ID),
			slog.String("status", string(step.Status)),
			slog.String("job_id", res.JobID))

		return nil
	}
}

// completeStep records the step's success and advances its chain.
func (o *Orchestrator) completeStep(ctx context.Context, step *execution.StepExecution, res *bus.Result, runbookName string) error {
	moved, err := o.stores.Execs.CompleteStep(ctx, step.ID, resultBody(res))
	if err != nil {
		return err
	}

	if !moved {
		return nil
	}

	o.logger.Info("step succeeded",
		slog.Int64("step_execution_id", step.ID),
		slog.String("step_name", step.StepName),
		slog.String("job_id", res.JobID),
		slog.Int64("duration_ms", res.DurationMs))

	return o.afterStepSuccess(ctx, step, runbookName)
}

// afterStepSuccess advances whichever chain the finished step belongs to.
func (o *Orchestrator) afterStepSuccess(ctx context.Context, step *execution.StepExecution, runbookName string) error {
	phase, err := o.stores.Execs.GetPhase(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}

	if step.IsRollbackStep {
		return o.advanceRollbackChain(ctx, phase, step.BatchMemberID, runbookName)
	}

	return o.advanceMemberChain(ctx, phase, step.BatchMemberID, runbookName)
}

// stepFailure routes a failure result into the retry-or-fail machinery.
func (o *Orchestrator) stepFailure(ctx context.Context, step *execution.StepExecution, res *bus.Result, now time.Time) error {
	phase, err := o.stores.Execs.GetPhase(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}

	return o.failOrRetryStep(ctx, step, phase, res.CorrelationData.RunbookName,
		failureMessage(res), res.Throttled(), now)
}

// failOrRetryStep applies the failure policy to a step observed in
// dispatched, polling, or poll_timeout state. Retries publish their delayed
// retry-check before the row transition, mirroring the dispatch ordering: a
// crash between the two replays into the same deterministic message id and
// the bus drops the duplicate. Terminal failures run the on_failure
// directive's side effects.
func (o *Orchestrator) failOrRetryStep(ctx context.Context, step *execution.StepExecution, phase *execution.PhaseExecution, runbookName, message string, throttled bool, now time.Time) error {
	if step.IsRollbackStep {
		// Rollback steps get no retries; a failure halts the sequence.
		moved, err := o.stores.Execs.FailStep(ctx, step.ID, message)
		if err != nil {
			return err
		}

		if !moved {
			return nil
		}

		o.logger.Error("rollback step failed",
			slog.Int64("batch_id", phase.BatchID),
			slog.Int64("step_execution_id", step.ID),
			slog.String("step_name", step.StepName),
			slog.String("error", message))

		return o.advanceRollbackChain(ctx, phase, step.BatchMemberID, runbookName)
	}

	decision := execution.DecideFailure(execution.FailureInput{
		OnFailure:        step.OnFailure,
		RetryCount:       step.RetryCount,
		MaxRetries:       step.MaxRetries,
		RetryIntervalSec: step.RetryIntervalSec,
		Throttled:        throttled,
	}, now)

	if decision.Outcome == execution.OutcomeRetry {
		ev := bus.RetryCheckEvent{
			StepExecutionID: step.ID,
			RunbookName:     runbookName,
			RunbookVersion:  phase.RunbookVersion,
			BatchID:         phase.BatchID,
		}

		if err := o.publisher.Publish(ctx, o.busCfg.ControlTopic,
			bus.NewRetryCheckMessage(ev, decision.NextRetry, decision.RetryAt)); err != nil {
			return err
		}

		_, moved, err := o.stores.Execs.ScheduleStepRetry(ctx, step.ID, decision.RetryAt)
		if err != nil {
			return err
		}

		if moved {
			metrics.RecordRetryScheduled()
			o.logger.Warn("step retry scheduled",
				slog.Int64("batch_id", phase.BatchID),
				slog.Int64("step_execution_id", step.ID),
				slog.String("step_name", step.StepName),
				slog.Int("retry", decision.NextRetry),
				slog.Time("retry_at", decision.RetryAt),
				slog.Bool("throttled", decision.Throttled),
				slog.String("error", message))
		}

		return nil
	}

	moved, err := o.stores.Execs.FailStep(ctx, step.ID, message)
	if err != nil {
		return err
	}

	if !moved {
		return nil
	}

	o.logger.Error("step failed",
		slog.Int64("batch_id", phase.BatchID),
		slog.Int64("step_execution_id", step.ID),
		slog.String("step_name", step.StepName),
		slog.String("on_failure", step.OnFailure),
		slog.String("error", message))

	return o.settleFailedStep(ctx, phase, step, runbookName)
}

// resettleFailedStep re-runs a failed step's settlement on redelivery. Every
// side effect behind it is compare-and-set, so a settlement that already ran
// falls through without touching anything.
func (o *Orchestrator) resettleFailedStep(ctx context.Context, step *execution.StepExecution, runbookName string) error {
	phase, err := o.stores.Execs.GetPhase(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}

	if step.IsRollbackStep {
		return o.advanceRollbackChain(ctx, phase, step.BatchMemberID, runbookName)
	}

	return o.settleFailedStep(ctx, phase, step, runbookName)
}

// applyInitResult applies one worker outcome to its init execution row. The
// shape mirrors applyStepResult with the batch taking the place of the
// member chain: success settles the init stage, terminal failure fails the
// batch.
func (o *Orchestrator) applyInitResult(ctx context.Context, res *bus.Result) error {
	init, err := o.stores.Execs.GetInit(ctx, res.CorrelationData.InitExecutionID)
	if errors.Is(err, storage.ErrInitNotFound) {
		o.logger.Warn("result for unknown init dropped",
			slog.String("job_id", res.JobID),
			slog.Int64("init_execution_id", res.CorrelationData.InitExecutionID))

		return nil
	}

	if err != nil {
		return err
	}

	now := time.Now().UTC()

	switch init.Status {
	case execution.StepDispatched:
		if init.JobID != nil && res.JobID != *init.JobID {
			o.logger.Debug("stale init result dropped",
				slog.Int64("init_execution_id", init.ID),
				slog.String("job_id", res.JobID),
				slog.String("current_job_id", *init.JobID))

			return nil
		}

		if !res.Succeeded() {
			return o.failOrRetryInit(ctx, init, res.CorrelationData.RunbookName,
				failureMessage(res), res.Throttled(), now)
		}

		if complete, _, ok := res.PollOutcome(); init.IsPollStep && ok && !complete {
			moved, err := o.stores.Execs.InitToPolling(ctx, init.ID)
			if err != nil {
				return err
			}

			if moved {
				o.logger.Info("init step polling",
					slog.Int64("init_execution_id", init.ID),
					slog.String("step_name", init.StepName),
					slog.Int("poll_interval_sec", init.PollIntervalSec))
			}

			return nil
		}

		return o.completeInit(ctx, init, res)

	case execution.StepPolling:
		if !res.Succeeded() {
			return o.failOrRetryInit(ctx, init, res.CorrelationData.RunbookName,
				failureMessage(res), res.Throttled(), now)
		}

		if complete, _, ok := res.PollOutcome(); ok && !complete {
			_, err := o.stores.Execs.ContinueInitPolling(ctx, init.ID)

			return err
		}

		return o.completeInit(ctx, init, res)

	case execution.StepSucceeded, execution.StepSkipped:
		// Redelivery after a crash between the transition and the stage
		// settlement.
		return o.settleInitStage(ctx, init.BatchID, init.RunbookVersion)

	case execution.StepFailed:
		if res.Succeeded() {
			return nil
		}

		return o.failBatch(ctx, init.BatchID, "init step "+init.StepName+" failed")

	default:
		o.logger.Debug("result for settled init dropped",
			slog.Int64("init_execution_id", init.ID),
			slog.String("status", string(init.Status)),
			slog.String("job_id", res.JobID))

		return nil
	}
}

// completeInit records the init's success and settles the init stage.
func (o *Orchestrator) completeInit(ctx context.Context, init *execution.InitExecution, res *bus.Result) error {
	moved, err := o.stores.Execs.CompleteInit(ctx, init.ID, resultBody(res))
	if err != nil {
		return err
	}

	if !moved {
		return nil
	}

	o.logger.Info("init step succeeded",
		slog.Int64("batch_id", init.BatchID),
		slog.Int64("init_execution_id", init.ID),
		slog.String("step_name", init.StepName),
		slog.String("job_id", res.JobID))

	return o.settleInitStage(ctx, init.BatchID, init.RunbookVersion)
}

// failOrRetryInit applies the failure policy to an init observed in
// dispatched, polling, or poll_timeout state. A skip directive lets the
// batch activate without the init; any other terminal failure fails the
// batch, because phases must not run against a half-prepared batch.
func (o *Orchestrator) failOrRetryInit(ctx context.Context, init *execution.InitExecution, runbookName, message string, throttled bool, now time.Time) error {
	decision := execution.DecideFailure(execution.FailureInput{
		OnFailure:        init.OnFailure,
		RetryCount:       init.RetryCount,
		MaxRetries:       init.MaxRetries,
		RetryIntervalSec: init.RetryIntervalSec,
		Throttled:        throttled,
	}, now)

	if decision.Outcome == execution.OutcomeRetry {
		ev := bus.RetryCheckEvent{
			StepExecutionID: init.ID,
			IsInitStep:      true,
			RunbookName:     runbookName,
			RunbookVersion:  init.RunbookVersion,
			BatchID:         init.BatchID,
		}

		if err := o.publisher.Publish(ctx, o.busCfg.ControlTopic,
			bus.NewRetryCheckMessage(ev, decision.NextRetry, decision.RetryAt)); err != nil {
			return err
		}

		_, moved, err := o.stores.Execs.ScheduleInitRetry(ctx, init.ID, decision.RetryAt)
		if err != nil {
			return err
		}

		if moved {
			metrics.RecordRetryScheduled()
			o.logger.Warn("init retry scheduled",
				slog.Int64("batch_id", init.BatchID),
				slog.Int64("init_execution_id", init.ID),
				slog.String("step_name", init.StepName),
				slog.Int("retry", decision.NextRetry),
				slog.Time("retry_at", decision.RetryAt),
				slog.Bool("throttled", decision.Throttled),
				slog.String("error", message))
		}

		return nil
	}

	if directiveFor(init.OnFailure).Action == runbook.FailureSkip {
		moved, err := o.stores.Execs.SkipInit(ctx, init.ID, message)
		if err != nil {
			return err
		}

		if moved {
			o.logger.Warn("init step skipped",
				slog.Int64("batch_id", init.BatchID),
				slog.Int64("init_execution_id", init.ID),
				slog.String("step_name", init.StepName),
				slog.String("error", message))
		}

		return o.settleInitStage(ctx, init.BatchID, init.RunbookVersion)
	}

	moved, err := o.stores.Execs.FailInit(ctx, init.ID, message)
	if err != nil {
		return err
	}

	if !moved {
		return nil
	}

	o.logger.Error("init step failed",
		slog.Int64("batch_id", init.BatchID),
		slog.Int64("init_execution_id", init.ID),
		slog.String("step_name", init.StepName),
		slog.String("error", message))

	return o.failBatch(ctx, init.BatchID, "init step "+init.StepName+" failed")
}

// resultBody picks what gets recorded for a successful execution: the data
// substructure when the result follows the polling convention, otherwise
// the raw result document. Empty bodies record nothing.
func resultBody(res *bus.Result) *string {
	if complete, data, ok := res.PollOutcome(); ok && complete {
		if len(data) == 0 {
			return nil
		}

		s := string(data)

		return &s
	}

	if len(res.Result) == 0 {
		return nil
	}

	s := string(res.Result)

	return &s
}

// failureMessage extracts the worker's error message from a failure result.
func failureMessage(res *bus.Result) string {
	if res.Error != nil && res.Error.Message != "" {
		return res.Error.Message
	}

	return "worker reported failure without detail"
}
