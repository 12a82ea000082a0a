package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
)

// sweepPolling finds polling steps and inits due for another check and
// publishes a poll-check for each. The sweep only bumps poll counters and
// announces; judging the poll window and applying on_failure is the
// poll-check handler's job. Per-row failures are logged and skipped so one
// bad row cannot stall the rest of the sweep.
func (s *Scheduler) sweepPolling(ctx context.Context, now time.Time) {
	resolve := s.newBatchResolver()

	steps, err := s.stores.Execs.ListDuePollingSteps(ctx, now)
	if err != nil {
		s.logger.Error("failed to list polling steps", slog.String("error", err.Error()))
	} else {
		for _, step := range steps {
			if err := s.publishStepPollCheck(ctx, resolve, step, now); err != nil {
				s.logger.Warn("step poll-check failed",
					slog.Int64("step_execution_id", step.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	inits, err := s.stores.Execs.ListDuePollingInits(ctx, now)
	if err != nil {
		s.logger.Error("failed to list polling inits", slog.String("error", err.Error()))

		return
	}

	for _, init := range inits {
		if err := s.publishInitPollCheck(ctx, resolve, init, now); err != nil {
			s.logger.Warn("init poll-check failed",
				slog.Int64("init_execution_id", init.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) publishStepPollCheck(ctx context.Context, resolve *batchResolver, step *execution.StepExecution, now time.Time) error {
	phase, err := resolve.phase(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}

	rb, err := resolve.runbookForBatch(ctx, phase.BatchID)
	if err != nil {
		return err
	}

	count, polling, err := s.stores.Execs.RecordStepPoll(ctx, step.ID)
	if err != nil {
		return err
	}

	if !polling {
		// The step left polling since the list query.
		return nil
	}

	ev := bus.PollCheckEvent{
		RunbookName:     rb.Name,
		RunbookVersion:  phase.RunbookVersion,
		BatchID:         phase.BatchID,
		StepExecutionID: step.ID,
		StepName:        step.StepName,
		PollCount:       count,
	}

	metrics.RecordPollCheck()

	return s.publisher.Publish(ctx, s.busCfg.ControlTopic, bus.NewPollCheckMessage(ev, now))
}

func (s *Scheduler) publishInitPollCheck(ctx context.Context, resolve *batchResolver, init *execution.InitExecution, now time.Time) error {
	rb, err := resolve.runbookForBatch(ctx, init.BatchID)
	if err != nil {
		return err
	}

	count, polling, err := s.stores.Execs.RecordInitPoll(ctx, init.ID)
	if err != nil {
		return err
	}

	if !polling {
		return nil
	}

	ev := bus.PollCheckEvent{
		RunbookName:     rb.Name,
		RunbookVersion:  init.RunbookVersion,
		BatchID:         init.BatchID,
		StepExecutionID: init.ID,
		StepName:        init.StepName,
		PollCount:       count,
		IsInitStep:      true,
	}

	metrics.RecordPollCheck()

	return s.publisher.Publish(ctx, s.busCfg.ControlTopic, bus.NewPollCheckMessage(ev, now))
}

// batchResolver memoizes the phase, batch, and runbook lookups the poll
// sweep needs for event context. Polling rows cluster per batch, so a sweep
// rarely pays for more than one round of lookups.
type batchResolver struct {
	scheduler *Scheduler
	phases    map[int64]*execution.PhaseExecution
	batches   map[int64]*execution.Batch
	runbooks  map[int64]*execution.Runbook
}

func (s *Scheduler) newBatchResolver() *batchResolver {
	return &batchResolver{
		scheduler: s,
		phases:    make(map[int64]*execution.PhaseExecution),
		batches:   make(map[int64]*execution.Batch),
		runbooks:  make(map[int64]*execution.Runbook),
	}
}

func (r *batchResolver) phase(ctx context.Context, id int64) (*execution.PhaseExecution, error) {
	if phase, ok := r.phases[id]; ok {
		return phase, nil
	}

	phase, err := r.scheduler.stores.Execs.GetPhase(ctx, id)
	if err != nil {
		return nil, err
	}

	r.phases[id] = phase

	return phase, nil
}

// runbookForBatch resolves the runbook version row a batch was created
// under, which carries the runbook name for event context.
func (r *batchResolver) runbookForBatch(ctx context.Context, batchID int64) (*execution.Runbook, error) {
	batch, ok := r.batches[batchID]
	if !ok {
		var err error

		batch, err = r.scheduler.stores.Batches.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}

		r.batches[batchID] = batch
	}

	if rb, ok := r.runbooks[batch.RunbookID]; ok {
		return rb, nil
	}

	rb, err := r.scheduler.stores.Runbooks.GetByID(ctx, batch.RunbookID)
	if err != nil {
		return nil, err
	}

	r.runbooks[batch.RunbookID] = rb

	return rb, nil
}
