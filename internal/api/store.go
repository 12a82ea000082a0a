package api

import (
	"context"

	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/runbook"
	"github.com/cutover-io/cutover/internal/storage"
)

// The handlers depend on narrow store interfaces rather than the concrete
// storage types so they can be exercised against fakes. The storage package
// implements the directories; the orchestrator implements the controller.

// RunbookDirectory is the slice of runbook storage the admin handlers drive.
type RunbookDirectory interface {
	// CreateVersion inserts a parsed runbook as the next monotonic version,
	// inactive.
	CreateVersion(ctx context.Context, name, yamlText string, def *runbook.Definition) (*execution.Runbook, error)

	// GetByID fetches a stored runbook version by row id.
	GetByID(ctx context.Context, id int64) (*execution.Runbook, error)

	// GetVersion fetches one stored version of the named runbook.
	GetVersion(ctx context.Context, name string, version int) (*execution.Runbook, error)

	// GetActive fetches the active version of the named runbook.
	GetActive(ctx context.Context, name string) (*execution.Runbook, error)

	// List returns every stored runbook version.
	List(ctx context.Context) ([]*execution.Runbook, error)

	// ListVersions returns every stored version of the named runbook,
	// newest first.
	ListVersions(ctx context.Context, name string) ([]*execution.Runbook, error)

	// Activate flips the named version active and every other version of
	// the runbook inactive in one transaction.
	Activate(ctx context.Context, name string, version int) error

	// SetAutomation upserts the automation gate for a runbook name.
	SetAutomation(ctx context.Context, runbookName string, enabled bool) error

	// AutomationEnabled reports the automation gate, true when no row
	// exists.
	AutomationEnabled(ctx context.Context, runbookName string) (bool, error)
}

// BatchDirectory is the slice of batch storage the admin handlers drive.
type BatchDirectory interface {
	// CreateBatch inserts a batch with its members, phase executions, and
	// init executions in one transaction.
	CreateBatch(
		ctx context.Context,
		batch *execution.Batch,
		members []*execution.BatchMember,
		phases []*execution.PhaseExecution,
		inits []*execution.InitExecution,
	) error

	// GetBatch fetches a batch by id.
	GetBatch(ctx context.Context, id int64) (*execution.Batch, error)

	// ListMembers returns every member of a batch.
	ListMembers(ctx context.Context, batchID int64) ([]*execution.BatchMember, error)

	// ActiveKeysForRunbook returns the member keys currently migrating in
	// any non-terminal batch of the runbook.
	ActiveKeysForRunbook(ctx context.Context, runbookName string) (map[string]bool, error)
}

// ExecutionDirectory is the slice of execution-record storage the batch
// detail view reads.
type ExecutionDirectory interface {
	// ListPhases returns every phase execution of a batch across versions.
	ListPhases(ctx context.Context, batchID int64) ([]*execution.PhaseExecution, error)

	// ListStepsForPhase returns every step row of a phase execution.
	ListStepsForPhase(ctx context.Context, phaseExecutionID int64) ([]*execution.StepExecution, error)

	// ListInits returns every init execution of a batch across versions.
	ListInits(ctx context.Context, batchID int64) ([]*execution.InitExecution, error)
}

// BatchController drives manual batches through their stages on behalf of
// the advance and cancel endpoints.
type BatchController interface {
	// AdvanceBatch dispatches the next owed stage of a manual batch.
	AdvanceBatch(ctx context.Context, batchID int64) (*orchestrator.AdvanceOutcome, error)

	// CancelBatch cancels a batch and its outstanding work.
	CancelBatch(ctx context.Context, batchID int64, reason string) error
}

var (
	_ RunbookDirectory   = (*storage.RunbookStore)(nil)
	_ BatchDirectory     = (*storage.BatchStore)(nil)
	_ ExecutionDirectory = (*storage.ExecutionStore)(nil)
	_ BatchController    = (*orchestrator.Orchestrator)(nil)
)
