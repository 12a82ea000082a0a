package orchestrator

import (
	"context"
	"time"

	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/storage"
)

// The orchestrator depends on narrow store interfaces rather than the
// concrete storage types so handler logic can be exercised against fakes.
// The storage package implements all of them.

// RunbookStore is the slice of runbook storage the handlers drive.
type RunbookStore interface {
	// GetByID fetches a stored runbook version by row id.
	GetByID(ctx context.Context, id int64) (*execution.Runbook, error)

	// GetVersion fetches a specific stored version of the named runbook.
	GetVersion(ctx context.Context, name string, version int) (*execution.Runbook, error)
}

// BatchStore is the slice of batch and member storage the handlers drive.
type BatchStore interface {
	// GetBatch fetches a batch by id.
	GetBatch(ctx context.Context, id int64) (*execution.Batch, error)

	// TransitionBatch compare-and-sets a batch status.
	TransitionBatch(ctx context.Context, id int64, from, to execution.BatchStatus) (bool, error)

	// SetCurrentPhase records the most recently dispatched phase.
	SetCurrentPhase(ctx context.Context, id int64, phaseName string) error

	// GetMember fetches a batch member by id.
	GetMember(ctx context.Context, id int64) (*execution.BatchMember, error)

	// ListActiveMembers returns the batch's active members.
	ListActiveMembers(ctx context.Context, batchID int64) ([]*execution.BatchMember, error)

	// CountActiveMembers counts the batch's active members.
	CountActiveMembers(ctx context.Context, batchID int64) (int, error)

	// MarkMemberFailed transitions an active member to failed.
	MarkMemberFailed(ctx context.Context, memberID int64) (bool, error)
}

// ExecutionStore is the slice of execution-record storage the handlers
// drive.
type ExecutionStore interface {
	// GetPhase fetches a phase execution by id.
	GetPhase(ctx context.Context, id int64) (*execution.PhaseExecution, error)

	// ListPhases returns every phase execution of a batch across versions.
	ListPhases(ctx context.Context, batchID int64) ([]*execution.PhaseExecution, error)

	// TransitionPhase compare-and-sets a phase status.
	TransitionPhase(ctx context.Context, id int64, from, to execution.PhaseStatus) (bool, error)

	// CountNonTerminalPhases counts the batch's unfinished phases.
	CountNonTerminalPhases(ctx context.Context, batchID int64) (int, error)

	// InsertSteps inserts materialized step rows, skipping ones that
	// already exist.
	InsertSteps(ctx context.Context, steps []*execution.StepExecution) (int, error)

	// GetStep fetches a step execution by id.
	GetStep(ctx context.Context, id int64) (*execution.StepExecution, error)

	// ListStepsForPhase returns every step row of a phase execution.
	ListStepsForPhase(ctx context.Context, phaseExecutionID int64) ([]*execution.StepExecution, error)

	// ListMemberSteps returns one member's regular or rollback chain within
	// a phase execution, ordered by step index.
	ListMemberSteps(ctx context.Context, phaseExecutionID, memberID int64, rollback bool) ([]*execution.StepExecution, error)

	// MarkStepDispatched compare-and-sets a pending step to dispatched.
	MarkStepDispatched(ctx context.Context, id int64, jobID string) (bool, error)

	// CompleteStep compare-and-sets an in-flight step to succeeded.
	CompleteStep(ctx context.Context, id int64, resultJSON *string) (bool, error)

	// FailStep compare-and-sets an in-flight step to failed.
	FailStep(ctx context.Context, id int64, errorMessage string) (bool, error)

	// StepToPolling compare-and-sets a dispatched step to polling.
	StepToPolling(ctx context.Context, id int64) (bool, error)

	// ContinueStepPolling refreshes a polling step's last-polled time.
	ContinueStepPolling(ctx context.Context, id int64) (bool, error)

	// MarkStepPollTimeout compare-and-sets a polling step to poll_timeout.
	MarkStepPollTimeout(ctx context.Context, id int64) (bool, error)

	// ScheduleStepRetry moves a failed dispatch back to pending with a
	// retry window, returning the new retry count.
	ScheduleStepRetry(ctx context.Context, id int64, retryAfter time.Time) (int, bool, error)

	// MarkStepRolledBack compare-and-sets a failed step to rolled_back.
	MarkStepRolledBack(ctx context.Context, id int64) (bool, error)

	// CancelMemberSteps cancels a member's cancellable steps batch-wide.
	CancelMemberSteps(ctx context.Context, memberID int64) (int64, error)

	// CancelPhaseSteps cancels a phase execution's cancellable steps.
	CancelPhaseSteps(ctx context.Context, phaseExecutionID int64) (int64, error)

	// CancelBatchSteps cancels a batch's cancellable steps.
	CancelBatchSteps(ctx context.Context, batchID int64) (int64, error)

	// CountNonTerminalSteps counts a phase execution's unfinished steps,
	// rollback rows included.
	CountNonTerminalSteps(ctx context.Context, phaseExecutionID int64) (int, error)

	// GetInit fetches an init execution by id.
	GetInit(ctx context.Context, id int64) (*execution.InitExecution, error)

	// ListInits returns every init execution of a batch across versions.
	ListInits(ctx context.Context, batchID int64) ([]*execution.InitExecution, error)

	// ListPendingInits returns the batch's pending inits for a version in
	// step-index order.
	ListPendingInits(ctx context.Context, batchID int64, version int) ([]*execution.InitExecution, error)

	// MarkInitDispatched compare-and-sets a pending init to dispatched.
	MarkInitDispatched(ctx context.Context, id int64, jobID string) (bool, error)

	// CompleteInit compare-and-sets an in-flight init to succeeded.
	CompleteInit(ctx context.Context, id int64, resultJSON *string) (bool, error)

	// FailInit compare-and-sets an in-flight init to failed.
	FailInit(ctx context.Context, id int64, errorMessage string) (bool, error)

	// SkipInit compare-and-sets a failed dispatch to skipped, satisfying
	// the init without blocking activation.
	SkipInit(ctx context.Context, id int64, errorMessage string) (bool, error)

	// InitToPolling compare-and-sets a dispatched init to polling.
	InitToPolling(ctx context.Context, id int64) (bool, error)

	// ContinueInitPolling refreshes a polling init's last-polled time.
	ContinueInitPolling(ctx context.Context, id int64) (bool, error)

	// MarkInitPollTimeout compare-and-sets a polling init to poll_timeout.
	MarkInitPollTimeout(ctx context.Context, id int64) (bool, error)

	// ScheduleInitRetry moves a failed init dispatch back to pending with a
	// retry window, returning the new retry count.
	ScheduleInitRetry(ctx context.Context, id int64, retryAfter time.Time) (int, bool, error)

	// CancelBatchInits cancels a batch's cancellable init executions.
	CancelBatchInits(ctx context.Context, batchID int64) (int64, error)

	// CountUnfinishedInits counts a batch's non-terminal inits for a
	// version.
	CountUnfinishedInits(ctx context.Context, batchID int64, version int) (int, error)

	// CountFailedInits counts a batch's failed inits for a version. Any
	// means the batch must not activate.
	CountFailedInits(ctx context.Context, batchID int64, version int) (int, error)
}

var (
	_ RunbookStore   = (*storage.RunbookStore)(nil)
	_ BatchStore     = (*storage.BatchStore)(nil)
	_ ExecutionStore = (*storage.ExecutionStore)(nil)
)
