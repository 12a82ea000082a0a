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
)

// Sentinel errors for the manual advance and cancel service. The admin API
// maps them to conflict responses.
var (
	// ErrBatchTerminal rejects advancing or cancelling a settled batch.
	ErrBatchTerminal = errors.New("batch is in a terminal status")

	// ErrBatchNotManual rejects manual advancement of a time-driven batch,
	// which the scheduler owns.
	ErrBatchNotManual = errors.New("batch is not manual")

	// ErrInitsInFlight rejects advancement while init steps are still
	// running.
	ErrInitsInFlight = errors.New("init steps are still in flight")

	// ErrPhaseInFlight rejects advancement while an earlier phase is still
	// running.
	ErrPhaseInFlight = errors.New("phase is still in flight")

	// ErrPriorPhaseFailed rejects advancement past a phase that failed.
	ErrPriorPhaseFailed = errors.New("prior phase failed")
)

// AdvanceAction says which stage one advance call dispatched.
type AdvanceAction string

const (
	// AdvanceInitDispatched means the batch's init steps went out.
	AdvanceInitDispatched AdvanceAction = "init_dispatched"

	// AdvancePhaseDispatched means the next pending phase went out.
	AdvancePhaseDispatched AdvanceAction = "phase_dispatched"

	// AdvanceNoop means every phase had already settled.
	AdvanceNoop AdvanceAction = "noop"
)

// AdvanceOutcome reports what one advance call did.
type AdvanceOutcome struct {
	BatchID int64         `json:"batchId"`
	Action  AdvanceAction `json:"action"`
	Phase   string        `json:"phase,omitempty"`
}

// AdvanceBatch dispatches the next stage of a manual batch: the init steps
// first if the runbook defines any, then each phase in the order the
// runbook declares them. One call dispatches one stage. Advancement is
// rejected while the previous stage is still in flight, past a failed
// phase, and on batches the scheduler drives by time.
//
// The service shares the orchestrator's stores and publisher; an instance
// backing only the admin API may be constructed with a nil subscriber as
// long as Run is never called.
func (o *Orchestrator) AdvanceBatch(ctx context.Context, batchID int64) (*AdvanceOutcome, error) {
	batch, err := o.stores.Batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if !batch.IsManual {
		return nil, ErrBatchNotManual
	}

	if batch.Status.IsTerminal() {
		return nil, ErrBatchTerminal
	}

	rb, err := o.stores.Runbooks.GetByID(ctx, batch.RunbookID)
	if err != nil {
		return nil, err
	}

	phases, err := o.stores.Execs.ListPhases(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	// The current generation is the newest version with phase rows; version
	// transitions supersede older generations but leave their rows behind.
	generation := rb.Version
	for _, phase := range phases {
		if phase.RunbookVersion > generation {
			generation = phase.RunbookVersion
		}
	}

	switch batch.Status {
	case execution.BatchDetected:
		outcome, err := o.advanceInitStage(ctx, batch, rb.Name, generation)
		if err != nil || outcome != nil {
			return outcome, err
		}

	case execution.BatchInitDispatched:
		unfinished, err := o.stores.Execs.CountUnfinishedInits(ctx, batch.ID, generation)
		if err != nil {
			return nil, err
		}

		if unfinished > 0 {
			return nil, ErrInitsInFlight
		}

		// Every init settled but the activation was not applied yet; settle
		// now and continue into phase dispatch unless an init failure sank
		// the batch.
		if err := o.settleInitStage(ctx, batch.ID, generation); err != nil {
			return nil, err
		}

		settled, err := o.stores.Batches.GetBatch(ctx, batch.ID)
		if err != nil {
			return nil, err
		}

		if settled.Status != execution.BatchActive {
			return nil, ErrBatchTerminal
		}
	}

	def, err := o.defForVersion(ctx, rb.Name, generation)
	if err != nil {
		return nil, err
	}

	return o.advancePhase(ctx, batch, rb.Name, generation, def, phases)
}

// advanceInitStage publishes the batch-init stage for a detected batch with
// init steps. Batches without any activate directly and return no outcome,
// telling the caller to continue into phase dispatch.
func (o *Orchestrator) advanceInitStage(ctx context.Context, batch *execution.Batch, runbookName string, generation int) (*AdvanceOutcome, error) {
	inits, err := o.stores.Execs.ListInits(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	if len(inits) == 0 {
		if _, err := o.stores.Batches.TransitionBatch(ctx, batch.ID, execution.BatchDetected, execution.BatchActive); err != nil {
			return nil, err
		}

		return nil, nil
	}

	count, err := o.stores.Batches.CountActiveMembers(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	msg := bus.NewBatchInitMessage(bus.BatchInitEvent{
		RunbookName:    runbookName,
		RunbookVersion: generation,
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		MemberCount:    count,
	})

	if err := o.publisher.Publish(ctx, o.busCfg.ControlTopic, msg); err != nil {
		return nil, err
	}

	if _, err := o.stores.Batches.TransitionBatch(ctx, batch.ID, execution.BatchDetected, execution.BatchInitDispatched); err != nil {
		return nil, err
	}

	o.logger.Info("manual advance dispatched init stage",
		slog.Int64("batch_id", batch.ID),
		slog.String("runbook", runbookName),
		slog.Int("inits", len(inits)))

	return &AdvanceOutcome{BatchID: batch.ID, Action: AdvanceInitDispatched}, nil
}

// advancePhase dispatches the first pending phase of the current
// generation, walking the definition in declaration order. Prior phases
// must have settled cleanly.
func (o *Orchestrator) advancePhase(ctx context.Context, batch *execution.Batch, runbookName string, generation int, def *runbook.Definition, phases []*execution.PhaseExecution) (*AdvanceOutcome, error) {
	byName := make(map[string]*execution.PhaseExecution, len(phases))

	for _, phase := range phases {
		if phase.RunbookVersion == generation {
			byName[phase.PhaseName] = phase
		}
	}

	for i := range def.Phases {
		row, ok := byName[def.Phases[i].Name]
		if !ok {
			continue
		}

		switch row.Status {
		case execution.PhaseCompleted, execution.PhaseSkipped, execution.PhaseSuperseded:
			continue

		case execution.PhaseFailed:
			return nil, fmt.Errorf("%w: %s", ErrPriorPhaseFailed, row.PhaseName)

		case execution.PhaseDispatched:
			return nil, fmt.Errorf("%w: %s", ErrPhaseInFlight, row.PhaseName)

		default:
			return o.dispatchManualPhase(ctx, batch, runbookName, def, row)
		}
	}

	// Every phase settled. The batch normally settles with the last result;
	// re-evaluating here repairs a lost follow-up before reporting no-op.
	if err := o.evaluateBatch(ctx, batch.ID); err != nil {
		return nil, err
	}

	return &AdvanceOutcome{BatchID: batch.ID, Action: AdvanceNoop}, nil
}

// dispatchManualPhase materializes and announces one pending phase, the way
// the scheduler fires a due phase: keyed step insert, phase-due event,
// compare-and-set to dispatched.
func (o *Orchestrator) dispatchManualPhase(ctx context.Context, batch *execution.Batch, runbookName string, def *runbook.Definition, phase *execution.PhaseExecution) (*AdvanceOutcome, error) {
	members, err := o.stores.Batches.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	steps := o.materializer.PhaseSteps(def, phase, batch, members, time.Now().UTC())

	if _, err := o.stores.Execs.InsertSteps(ctx, steps); err != nil {
		return nil, err
	}

	memberIDs := make([]int64, 0, len(members))
	for _, member := range members {
		memberIDs = append(memberIDs, member.ID)
	}

	ev := bus.PhaseDueEvent{
		RunbookName:      runbookName,
		RunbookVersion:   phase.RunbookVersion,
		BatchID:          batch.ID,
		PhaseExecutionID: phase.ID,
		PhaseName:        phase.PhaseName,
		OffsetMinutes:    phase.OffsetMinutes,
		DueAt:            phase.DueAt,
		MemberIDs:        memberIDs,
	}

	if err := o.publisher.Publish(ctx, o.busCfg.ControlTopic, bus.NewPhaseDueMessage(ev)); err != nil {
		return nil, fmt.Errorf("publish phase-due for phase %d: %w", phase.ID, err)
	}

	moved, err := o.stores.Execs.TransitionPhase(ctx, phase.ID, execution.PhasePending, execution.PhaseDispatched)
	if err != nil {
		return nil, err
	}

	if moved {
		if err := o.stores.Batches.SetCurrentPhase(ctx, batch.ID, phase.PhaseName); err != nil {
			return nil, err
		}
	}

	o.logger.Info("manual advance dispatched phase",
		slog.Int64("batch_id", batch.ID),
		slog.String("runbook", runbookName),
		slog.String("phase", phase.PhaseName),
		slog.Int("members", len(memberIDs)))

	return &AdvanceOutcome{BatchID: batch.ID, Action: AdvancePhaseDispatched, Phase: phase.PhaseName}, nil
}

// CancelBatch fails the batch and sweeps its open step and init executions.
// Works on scheduler-driven batches too; a runaway migration is cancelled
// the same way a manual one is.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID int64, reason string) error {
	batch, err := o.stores.Batches.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if batch.Status.IsTerminal() {
		return ErrBatchTerminal
	}

	if reason == "" {
		reason = "cancelled by operator"
	}

	return o.failBatch(ctx, batchID, reason)
}
