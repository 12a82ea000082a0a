// Package execution holds the durable entities of the migration pipeline
// (runbooks, batches, members, and the execution records for inits, phases,
// and steps) together with the shared engine logic both the scheduler and
// the orchestrator drive them with: job id allocation, retry backoff, step
// materialization, job building, and failure-directive decisions.
//
// Status transitions are always compare-and-set in the store (`UPDATE …
// WHERE id=? AND status=?`), so concurrent or redelivered handlers observe
// zero affected rows and back off without side effects.
package execution

import (
	"time"

	"github.com/cutover-io/cutover/internal/runbook"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	// BatchDetected is a freshly created batch whose inits have not been
	// dispatched yet.
	BatchDetected BatchStatus = "detected"

	// BatchInitDispatched is a batch whose init steps are in flight.
	BatchInitDispatched BatchStatus = "init_dispatched"

	// BatchActive is a batch past init whose phases fire on schedule.
	BatchActive BatchStatus = "active"

	// BatchCompleted is terminal: all phases finished with at least one
	// member still active.
	BatchCompleted BatchStatus = "completed"

	// BatchFailed is terminal: a fail_batch directive fired, an init step
	// terminally failed, every member was lost, or an operator cancelled
	// the batch.
	BatchFailed BatchStatus = "failed"
)

// IsValid checks if the BatchStatus is a recognized value.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchDetected, BatchInitDispatched, BatchActive, BatchCompleted, BatchFailed:
		return true
	}

	return false
}

// IsTerminal reports whether the status permits no further transitions.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// MemberStatus is the lifecycle state of a batch member.
type MemberStatus string

const (
	// MemberActive members receive step executions and data refreshes.
	MemberActive MemberStatus = "active"

	// MemberRemoved members disappeared from the data-source query. Their
	// non-terminal steps are cancelled and their data is never refreshed.
	MemberRemoved MemberStatus = "removed"

	// MemberFailed members hit a rollback or otherwise dropped out of the
	// pipeline. Kept for audit; never refreshed, never expanded.
	MemberFailed MemberStatus = "failed"
)

// IsValid checks if the MemberStatus is a recognized value.
func (s MemberStatus) IsValid() bool {
	return s == MemberActive || s == MemberRemoved || s == MemberFailed
}

// PhaseStatus is the lifecycle state of a phase execution.
type PhaseStatus string

const (
	// PhasePending waits for its due time (or a manual advance).
	PhasePending PhaseStatus = "pending"

	// PhaseDispatched has had its steps materialized and its phase-due
	// event published.
	PhaseDispatched PhaseStatus = "dispatched"

	// PhaseCompleted is terminal: the highest step index finished for all
	// active members.
	PhaseCompleted PhaseStatus = "completed"

	// PhaseFailed is terminal: a fail_phase directive fired.
	PhaseFailed PhaseStatus = "failed"

	// PhaseSkipped is terminal: the phase was already overdue when its
	// version transition applied overdue_behavior=ignore.
	PhaseSkipped PhaseStatus = "skipped"

	// PhaseSuperseded is terminal: a newer runbook version replaced the
	// phase before it completed.
	PhaseSuperseded PhaseStatus = "superseded"
)

// IsValid checks if the PhaseStatus is a recognized value.
func (s PhaseStatus) IsValid() bool {
	switch s {
	case PhasePending, PhaseDispatched, PhaseCompleted, PhaseFailed, PhaseSkipped, PhaseSuperseded:
		return true
	}

	return false
}

// IsTerminal reports whether the status permits no further transitions.
func (s PhaseStatus) IsTerminal() bool {
	switch s {
	case PhaseCompleted, PhaseFailed, PhaseSkipped, PhaseSuperseded:
		return true
	}

	return false
}

// StepStatus is the lifecycle state of a step or init execution.
type StepStatus string

const (
	// StepPending waits for dispatch (first dispatch or a retry window).
	StepPending StepStatus = "pending"

	// StepDispatched has a worker job in flight.
	StepDispatched StepStatus = "dispatched"

	// StepSucceeded is terminal.
	StepSucceeded StepStatus = "succeeded"

	// StepFailed is terminal: retries exhausted or a non-retry directive
	// applied.
	StepFailed StepStatus = "failed"

	// StepPolling has reported {complete:false} and re-invokes the worker
	// every poll interval.
	StepPolling StepStatus = "polling"

	// StepPollTimeout elapsed its poll timeout without completing. Not
	// terminal: the on_failure directive decides whether it retries or
	// fails.
	StepPollTimeout StepStatus = "poll_timeout"

	// StepCancelled is terminal: the member was removed, the batch was
	// cancelled, or a fail_batch directive swept the step away.
	StepCancelled StepStatus = "cancelled"

	// StepRolledBack is terminal: the step failed and its rollback
	// sequence ran.
	StepRolledBack StepStatus = "rolled_back"

	// StepSkipped is terminal: the step never ran because its member
	// dropped out of the chain before it was dispatched.
	StepSkipped StepStatus = "skipped"
)

// IsValid checks if the StepStatus is a recognized value.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepDispatched, StepSucceeded, StepFailed, StepPolling,
		StepPollTimeout, StepCancelled, StepRolledBack, StepSkipped:
		return true
	}

	return false
}

// IsTerminal reports whether the status permits no further transitions.
// poll_timeout is deliberately non-terminal so a retry directive can move
// the step back to pending.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled, StepRolledBack, StepSkipped:
		return true
	}

	return false
}

// IsSuccess reports whether the status counts as terminal success for
// chain-ordering purposes: later step indexes may only dispatch once every
// earlier index is in one of these states.
func (s StepStatus) IsSuccess() bool {
	return s == StepSucceeded || s == StepSkipped
}

// CancellableStepStatuses are the states a cancel sweep transitions to
// cancelled. Terminal steps and timed-out polls it leaves alone.
func CancellableStepStatuses() []StepStatus {
	return []StepStatus{StepPending, StepDispatched, StepPolling, StepPollTimeout}
}

type (
	// Runbook is one stored version of a runbook. Immutable once inserted
	// except for IsActive and LastError.
	Runbook struct {
		ID              int64                   `json:"id"`
		Name            string                  `json:"name"`
		Version         int                     `json:"version"`
		YAML            string                  `json:"yaml"`
		DataTableName   string                  `json:"dataTableName"`
		IsActive        bool                    `json:"isActive"`
		OverdueBehavior runbook.OverdueBehavior `json:"overdueBehavior"`
		RerunInit       bool                    `json:"rerunInit"`
		LastError       *string                 `json:"lastError,omitempty"`
		CreatedAt       time.Time               `json:"createdAt"`
	}

	// AutomationSetting gates data-source polling for one runbook name.
	// Absent rows mean enabled; existing batches proceed regardless.
	AutomationSetting struct {
		RunbookName string    `json:"runbookName"`
		Enabled     bool      `json:"enabled"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}

	// Batch is a cohort of members migrating together. BatchStartTime is
	// nil for manual batches, which are advanced explicitly instead of by
	// time.
	Batch struct {
		ID               int64       `json:"id"`
		RunbookID        int64       `json:"runbookId"`
		BatchStartTime   *time.Time  `json:"batchStartTime,omitempty"`
		Status           BatchStatus `json:"status"`
		IsManual         bool        `json:"isManual"`
		CreatedBy        *string     `json:"createdBy,omitempty"`
		CurrentPhase     *string     `json:"currentPhase,omitempty"`
		DetectedAt       time.Time   `json:"detectedAt"`
		InitDispatchedAt *time.Time  `json:"initDispatchedAt,omitempty"`
	}

	// BatchMember is one migrating entity within a batch. DataJSON is the
	// last-seen attribute snapshot from the data source, refreshed every
	// tick while the member is active.
	BatchMember struct {
		ID                 int64        `json:"id"`
		BatchID            int64        `json:"batchId"`
		MemberKey          string       `json:"memberKey"`
		DataJSON           string       `json:"dataJson"`
		Status             MemberStatus `json:"status"`
		AddedAt            time.Time    `json:"addedAt"`
		RemovedAt          *time.Time   `json:"removedAt,omitempty"`
		FailedAt           *time.Time   `json:"failedAt,omitempty"`
		AddDispatchedAt    *time.Time   `json:"addDispatchedAt,omitempty"`
		RemoveDispatchedAt *time.Time   `json:"removeDispatchedAt,omitempty"`
	}

	// PhaseExecution tracks one phase of one batch under one runbook
	// version. DueAt is nil for manual batches.
	PhaseExecution struct {
		ID             int64       `json:"id"`
		BatchID        int64       `json:"batchId"`
		PhaseName      string      `json:"phaseName"`
		OffsetMinutes  int         `json:"offsetMinutes"`
		DueAt          *time.Time  `json:"dueAt,omitempty"`
		RunbookVersion int         `json:"runbookVersion"`
		Status         PhaseStatus `json:"status"`
		DispatchedAt   *time.Time  `json:"dispatchedAt,omitempty"`
		CompletedAt    *time.Time  `json:"completedAt,omitempty"`
	}

	// StepExecution tracks one step invocation for one member within a
	// phase execution. Rollback steps are regular rows flagged with
	// IsRollbackStep; their StepName is prefixed with the sequence name
	// ("undo-move/restore-mailbox") to keep the per-phase uniqueness key
	// collision-free.
	StepExecution struct {
		ID               int64      `json:"id"`
		PhaseExecutionID int64      `json:"phaseExecutionId"`
		BatchMemberID    int64      `json:"batchMemberId"`
		StepName         string     `json:"stepName"`
		StepIndex        int        `json:"stepIndex"`
		WorkerID         string     `json:"workerId"`
		FunctionName     string     `json:"functionName"`
		ParamsJSON       string     `json:"paramsJson"`
		OnFailure        string     `json:"onFailure,omitempty"`
		Status           StepStatus `json:"status"`
		JobID            *string    `json:"jobId,omitempty"`
		ResultJSON       *string    `json:"resultJson,omitempty"`
		ErrorMessage     *string    `json:"errorMessage,omitempty"`
		DispatchedAt     *time.Time `json:"dispatchedAt,omitempty"`
		CompletedAt      *time.Time `json:"completedAt,omitempty"`
		IsRollbackStep   bool       `json:"isRollbackStep"`

		IsPollStep      bool       `json:"isPollStep"`
		PollIntervalSec int        `json:"pollIntervalSec,omitempty"`
		PollTimeoutSec  int        `json:"pollTimeoutSec,omitempty"`
		PollStartedAt   *time.Time `json:"pollStartedAt,omitempty"`
		LastPolledAt    *time.Time `json:"lastPolledAt,omitempty"`
		PollCount       int        `json:"pollCount"`

		RetryCount       int        `json:"retryCount"`
		MaxRetries       *int       `json:"maxRetries,omitempty"`
		RetryIntervalSec int        `json:"retryIntervalSec,omitempty"`
		RetryAfter       *time.Time `json:"retryAfter,omitempty"`
	}

	// InitExecution tracks one batch-scoped init step. Same state machine
	// as StepExecution, minus the member and phase lineage, plus the
	// runbook version so rerun_init can re-materialize inits per version.
	InitExecution struct {
		ID             int64      `json:"id"`
		BatchID        int64      `json:"batchId"`
		StepName       string     `json:"stepName"`
		StepIndex      int        `json:"stepIndex"`
		WorkerID       string     `json:"workerId"`
		FunctionName   string     `json:"functionName"`
		ParamsJSON     string     `json:"paramsJson"`
		OnFailure      string     `json:"onFailure,omitempty"`
		RunbookVersion int        `json:"runbookVersion"`
		Status         StepStatus `json:"status"`
		JobID          *string    `json:"jobId,omitempty"`
		ResultJSON     *string    `json:"resultJson,omitempty"`
		ErrorMessage   *string    `json:"errorMessage,omitempty"`
		DispatchedAt   *time.Time `json:"dispatchedAt,omitempty"`
		CompletedAt    *time.Time `json:"completedAt,omitempty"`

		IsPollStep      bool       `json:"isPollStep"`
		PollIntervalSec int        `json:"pollIntervalSec,omitempty"`
		PollTimeoutSec  int        `json:"pollTimeoutSec,omitempty"`
		PollStartedAt   *time.Time `json:"pollStartedAt,omitempty"`
		LastPolledAt    *time.Time `json:"lastPolledAt,omitempty"`
		PollCount       int        `json:"pollCount"`

		RetryCount       int        `json:"retryCount"`
		MaxRetries       *int       `json:"maxRetries,omitempty"`
		RetryIntervalSec int        `json:"retryIntervalSec,omitempty"`
		RetryAfter       *time.Time `json:"retryAfter,omitempty"`
	}
)

// EffectiveMaxRetries returns the step's retry budget, falling back to the
// default when the runbook did not set one.
func (s *StepExecution) EffectiveMaxRetries() int {
	return effectiveMaxRetries(s.MaxRetries)
}

// EffectiveMaxRetries returns the init's retry budget, falling back to the
// default when the runbook did not set one.
func (e *InitExecution) EffectiveMaxRetries() int {
	return effectiveMaxRetries(e.MaxRetries)
}

func effectiveMaxRetries(override *int) int {
	if override != nil {
		return *override
	}

	return DefaultMaxRetries
}
