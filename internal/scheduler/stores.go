package scheduler

import (
	"context"
	"time"

	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/storage"
)

// The scheduler depends on narrow store interfaces rather than the concrete
// storage types so tick logic can be exercised against fakes. The storage
// package implements all of them.

// RunbookStore is the slice of runbook storage the tick drives.
type RunbookStore interface {
	// ListActive returns the active version of every runbook.
	ListActive(ctx context.Context) ([]*execution.Runbook, error)

	// AutomationEnabled reports whether data-source polling is on for the
	// named runbook. Absent settings default to enabled.
	AutomationEnabled(ctx context.Context, runbookName string) (bool, error)

	// SetLastError records a tick failure on the runbook.
	SetLastError(ctx context.Context, id int64, message string) error

	// ClearLastError clears the runbook's recorded failure.
	ClearLastError(ctx context.Context, id int64) error

	// GetByID fetches a stored runbook version by row id.
	GetByID(ctx context.Context, id int64) (*execution.Runbook, error)
}

// BatchStore is the slice of batch and member storage the tick drives.
type BatchStore interface {
	// CreateBatch inserts a batch with members, phases, and inits in one
	// transaction.
	CreateBatch(ctx context.Context, batch *execution.Batch, members []*execution.BatchMember, phases []*execution.PhaseExecution, inits []*execution.InitExecution) error

	// GetBatch fetches a batch by id.
	GetBatch(ctx context.Context, id int64) (*execution.Batch, error)

	// FindByStartTime fetches the named runbook's batch anchored at the
	// start time, or ErrBatchNotFound.
	FindByStartTime(ctx context.Context, runbookName string, startTime time.Time) (*execution.Batch, error)

	// ListNonTerminalByRunbook returns the named runbook's in-flight
	// batches.
	ListNonTerminalByRunbook(ctx context.Context, runbookName string) ([]*execution.Batch, error)

	// TransitionBatch compare-and-sets a batch status.
	TransitionBatch(ctx context.Context, id int64, from, to execution.BatchStatus) (bool, error)

	// SetCurrentPhase records the most recently dispatched phase.
	SetCurrentPhase(ctx context.Context, id int64, phaseName string) error

	// AddMembers inserts new members, returning only the rows actually
	// inserted.
	AddMembers(ctx context.Context, batchID int64, members []*execution.BatchMember) ([]*execution.BatchMember, error)

	// ListMembers returns every member of a batch regardless of status.
	ListMembers(ctx context.Context, batchID int64) ([]*execution.BatchMember, error)

	// ListActiveMembers returns the batch's active members.
	ListActiveMembers(ctx context.Context, batchID int64) ([]*execution.BatchMember, error)

	// CountActiveMembers counts the batch's active members.
	CountActiveMembers(ctx context.Context, batchID int64) (int, error)

	// RefreshMemberData replaces an active member's data snapshot.
	RefreshMemberData(ctx context.Context, batchID int64, memberKey, dataJSON string) error

	// MarkMemberRemoved transitions an active member to removed.
	MarkMemberRemoved(ctx context.Context, memberID int64) (bool, error)

	// MarkMemberAddDispatched stamps the member-added publish time.
	MarkMemberAddDispatched(ctx context.Context, memberID int64) error

	// MarkMemberRemoveDispatched stamps the member-removed publish time.
	MarkMemberRemoveDispatched(ctx context.Context, memberID int64) error

	// ActiveKeysForRunbook returns member keys active in any in-flight
	// batch of the named runbook.
	ActiveKeysForRunbook(ctx context.Context, runbookName string) (map[string]bool, error)
}

// ExecutionStore is the slice of execution-record storage the tick drives.
type ExecutionStore interface {
	// ListDuePendingPhases returns the batch's pending phases whose due
	// time has arrived.
	ListDuePendingPhases(ctx context.Context, batchID int64, asOf time.Time) ([]*execution.PhaseExecution, error)

	// GetPhase fetches a phase execution by id.
	GetPhase(ctx context.Context, id int64) (*execution.PhaseExecution, error)

	// TransitionPhase compare-and-sets a phase status.
	TransitionPhase(ctx context.Context, id int64, from, to execution.PhaseStatus) (bool, error)

	// PhaseVersionExists reports whether the batch has phase rows for the
	// version.
	PhaseVersionExists(ctx context.Context, batchID int64, version int) (bool, error)

	// InitVersionExists reports whether the batch has init rows for the
	// version.
	InitVersionExists(ctx context.Context, batchID int64, version int) (bool, error)

	// ReplacePhaseGeneration applies a version change to a batch in one
	// transaction.
	ReplacePhaseGeneration(ctx context.Context, batchID int64, newVersion int, phases []*execution.PhaseExecution, inits []*execution.InitExecution) (int64, error)

	// InsertSteps inserts materialized step rows, skipping ones that
	// already exist.
	InsertSteps(ctx context.Context, steps []*execution.StepExecution) (int, error)

	// ListInits returns every init execution of a batch across versions.
	ListInits(ctx context.Context, batchID int64) ([]*execution.InitExecution, error)

	// ListDuePollingSteps returns polling steps due for another poll or
	// past their window.
	ListDuePollingSteps(ctx context.Context, asOf time.Time) ([]*execution.StepExecution, error)

	// ListDuePollingInits returns polling inits due for another poll or
	// past their window.
	ListDuePollingInits(ctx context.Context, asOf time.Time) ([]*execution.InitExecution, error)

	// RecordStepPoll bumps a polling step's counter and timestamp.
	RecordStepPoll(ctx context.Context, id int64) (int, bool, error)

	// RecordInitPoll bumps a polling init's counter and timestamp.
	RecordInitPoll(ctx context.Context, id int64) (int, bool, error)
}

// DynamicTableStore mirrors data-source query results per runbook version.
type DynamicTableStore interface {
	// EnsureTable creates the mirror table and any missing data columns.
	EnsureTable(ctx context.Context, tableName string, dataColumns []string) error

	// UpsertRows writes the current query result into the mirror table.
	UpsertRows(ctx context.Context, tableName string, rows []storage.DynamicRow) error

	// MarkAbsent flips rows missing from the current result to not
	// current.
	MarkAbsent(ctx context.Context, tableName string, presentKeys []string) (int64, error)
}

// LeaseStore serializes ticks across scheduler replicas.
type LeaseStore interface {
	// Acquire takes the named lease for the holder if it is free or
	// expired.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release frees the named lease if the holder still owns it.
	Release(ctx context.Context, name, holder string) error
}

var (
	_ RunbookStore      = (*storage.RunbookStore)(nil)
	_ BatchStore        = (*storage.BatchStore)(nil)
	_ ExecutionStore    = (*storage.ExecutionStore)(nil)
	_ DynamicTableStore = (*storage.DynamicTableStore)(nil)
	_ LeaseStore        = (*storage.LeaseStore)(nil)
)
