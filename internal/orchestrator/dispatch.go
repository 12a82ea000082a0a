package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/runbook"
)

// dispatchStep publishes a worker job for the step and compare-and-sets it
// to dispatched. The publish happens first: a crash between the two replays
// the same deterministic job id on redelivery and the bus drops the
// duplicate, while the reverse order could strand a dispatched row with no
// job in flight. Returns false when the row was no longer pending.
func (o *Orchestrator) dispatchStep(ctx context.Context, step *execution.StepExecution, batchID int64, runbookName string, runbookVersion int, jobID string) (bool, error) {
	job, err := execution.BuildStepJob(step, batchID, runbookName, runbookVersion, jobID)
	if err != nil {
		// Materialized rows always carry valid params JSON.
		o.logger.Error("step params unreadable, leaving step pending",
			slog.Int64("step_execution_id", step.ID),
			slog.String("step_name", step.StepName),
			slog.String("error", err.Error()))

		return false, nil
	}

	if err := o.publisher.Publish(ctx, o.busCfg.JobsTopic, bus.NewJobMessage(job)); err != nil {
		return false, err
	}

	moved, err := o.stores.Execs.MarkStepDispatched(ctx, step.ID, jobID)
	if err != nil {
		return false, err
	}

	if !moved {
		o.logger.Debug("step dispatched elsewhere",
			slog.Int64("step_execution_id", step.ID),
			slog.String("job_id", jobID))

		return false, nil
	}

	metrics.RecordStepDispatched(step.FunctionName)

	o.logger.Info("step dispatched",
		slog.Int64("batch_id", batchID),
		slog.Int64("step_execution_id", step.ID),
		slog.String("step_name", step.StepName),
		slog.String("job_id", jobID))

	return true, nil
}

// dispatchInit resolves the init's stored param templates against the batch
// context, publishes the worker job, and compare-and-sets the init to
// dispatched. Same publish-before-transition ordering as dispatchStep.
func (o *Orchestrator) dispatchInit(ctx context.Context, init *execution.InitExecution, batch *execution.Batch, runbookName, jobID string, now time.Time) (bool, error) {
	job, ok := o.buildInitJob(init, batch, runbookName, jobID, now)
	if !ok {
		return false, nil
	}

	if err := o.publisher.Publish(ctx, o.busCfg.JobsTopic, bus.NewJobMessage(job)); err != nil {
		return false, err
	}

	moved, err := o.stores.Execs.MarkInitDispatched(ctx, init.ID, jobID)
	if err != nil {
		return false, err
	}

	if !moved {
		o.logger.Debug("init dispatched elsewhere",
			slog.Int64("init_execution_id", init.ID),
			slog.String("job_id", jobID))

		return false, nil
	}

	metrics.RecordStepDispatched(init.FunctionName)

	o.logger.Info("init step dispatched",
		slog.Int64("batch_id", batch.ID),
		slog.Int64("init_execution_id", init.ID),
		slog.String("step_name", init.StepName),
		slog.String("job_id", jobID))

	return true, nil
}

// buildInitJob assembles the worker job for an init execution. Init rows
// store their param templates raw because they are inserted before the batch
// id exists, so resolution happens here against the live batch.
func (o *Orchestrator) buildInitJob(init *execution.InitExecution, batch *execution.Batch, runbookName, jobID string, now time.Time) (bus.Job, bool) {
	params, err := execution.DecodeParams(init.ParamsJSON)
	if err != nil {
		// Materialized rows always carry valid params JSON.
		o.logger.Error("init params unreadable, leaving init pending",
			slog.Int64("init_execution_id", init.ID),
			slog.String("step_name", init.StepName),
			slog.String("error", err.Error()))

		return bus.Job{}, false
	}

	resolved := runbook.ResolveInitParams(params, runbook.TemplateContext{
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		Now:            now,
	}, o.logger)

	return execution.BuildInitJob(init, batch.ID, runbookName, resolved, jobID), true
}
