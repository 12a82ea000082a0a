package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cutover-io/cutover/internal/execution"
)

const stepColumns = `
	id, phase_execution_id, batch_member_id, step_name, step_index,
	worker_id, function_name, params_json, on_failure, status,
	job_id, result_json, error_message, dispatched_at, completed_at,
	is_rollback_step, is_poll_step, poll_interval_sec, poll_timeout_sec,
	poll_started_at, last_polled_at, poll_count,
	retry_count, max_retries, retry_interval_sec, retry_after
`

// InsertSteps inserts step executions, skipping rows that already exist for
// the same (phase, member, step name). Redelivered materializations land on
// the conflict path and change nothing. Returns how many rows were actually
// inserted; ids are written back into the inserted structs.
func (s *ExecutionStore) InsertSteps(ctx context.Context, steps []*execution.StepExecution) (int, error) {
	inserted := 0

	for _, step := range steps {
		err := s.conn.QueryRowContext(ctx, `
			INSERT INTO step_executions (
				phase_execution_id, batch_member_id, step_name, step_index,
				worker_id, function_name, params_json, on_failure, status,
				error_message, is_rollback_step, is_poll_step,
				poll_interval_sec, poll_timeout_sec,
				max_retries, retry_interval_sec
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (phase_execution_id, batch_member_id, step_name) DO NOTHING
			RETURNING id`,
			step.PhaseExecutionID,
			step.BatchMemberID,
			step.StepName,
			step.StepIndex,
			step.WorkerID,
			step.FunctionName,
			step.ParamsJSON,
			step.OnFailure,
			string(step.Status),
			nullString(step.ErrorMessage),
			step.IsRollbackStep,
			step.IsPollStep,
			step.PollIntervalSec,
			step.PollTimeoutSec,
			nullInt(step.MaxRetries),
			step.RetryIntervalSec,
		).Scan(&step.ID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}

		if err != nil {
			return inserted, fmt.Errorf("%w: insert step %q: %w", ErrExecutionStoreFailed, step.StepName, err)
		}

		inserted++
	}

	return inserted, nil
}

// GetStep fetches a step execution by id.
func (s *ExecutionStore) GetStep(ctx context.Context, id int64) (*execution.StepExecution, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE id = $1`, id)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	return step, nil
}

// ListStepsForPhase returns every step execution of a phase, grouped by
// member and ordered by index, with rollback rows after regular rows.
func (s *ExecutionStore) ListStepsForPhase(ctx context.Context, phaseExecutionID int64) ([]*execution.StepExecution, error) {
	return s.listSteps(ctx, `
		SELECT `+stepColumns+` FROM step_executions
		WHERE phase_execution_id = $1
		ORDER BY batch_member_id, is_rollback_step, step_index`, phaseExecutionID)
}

// ListMemberSteps returns one member's chain within a phase, ordered by
// index. Regular and rollback chains are separate; pass rollback to select
// which one.
func (s *ExecutionStore) ListMemberSteps(ctx context.Context, phaseExecutionID, memberID int64, rollback bool) ([]*execution.StepExecution, error) {
	return s.listSteps(ctx, `
		SELECT `+stepColumns+` FROM step_executions
		WHERE phase_execution_id = $1 AND batch_member_id = $2 AND is_rollback_step = $3
		ORDER BY step_index`, phaseExecutionID, memberID, rollback)
}

// ListDuePollingSteps returns polling steps whose next poll is due or whose
// poll window has expired as of the given time.
func (s *ExecutionStore) ListDuePollingSteps(ctx context.Context, asOf time.Time) ([]*execution.StepExecution, error) {
	return s.listSteps(ctx, `
		SELECT `+stepColumns+` FROM step_executions
		WHERE status = 'polling'
		  AND (last_polled_at + make_interval(secs => poll_interval_sec) <= $1
		       OR poll_started_at + make_interval(secs => poll_timeout_sec) <= $1)
		ORDER BY id`, asOf)
}

func (s *ExecutionStore) listSteps(ctx context.Context, query string, args ...any) ([]*execution.StepExecution, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list steps: %w", ErrExecutionStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var steps []*execution.StepExecution

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan step: %w", ErrExecutionStoreFailed, err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate steps: %w", ErrExecutionStoreFailed, err)
	}

	return steps, nil
}

// MarkStepDispatched moves a pending step to dispatched with its job id.
// Returns false when the step was not pending.
func (s *ExecutionStore) MarkStepDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions
		SET status = 'dispatched', job_id = $2, dispatched_at = NOW(), retry_after = NULL
		WHERE id = $1 AND status = 'pending'`, id, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: mark step %d dispatched: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// CompleteStep moves a dispatched or polling step to succeeded with its
// result body. Returns false when the step was in neither state, which is
// how duplicate results are absorbed.
func (s *ExecutionStore) CompleteStep(ctx context.Context, id int64, resultJSON *string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions
		SET status = 'succeeded', result_json = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('dispatched', 'polling')`, id, nullString(resultJSON))
	if err != nil {
		return false, fmt.Errorf("%w: complete step %d: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// FailStep terminally fails a step with the worker's error message. Returns
// false when the step already left the failable states.
func (s *ExecutionStore) FailStep(ctx context.Context, id int64, errorMessage string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('dispatched', 'polling', 'poll_timeout')`, id, errorMessage)
	if err != nil {
		return false, fmt.Errorf("%w: fail step %d: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// StepToPolling moves a dispatched step into the polling state, opening its
// poll window. Returns false when the step was not dispatched.
func (s *ExecutionStore) StepToPolling(ctx context.Context, id int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions
		SET status = 'polling', poll_started_at = NOW(), last_polled_at = NOW()
		WHERE id = $1 AND status = 'dispatched'`, id)
	if err != nil {
		return false, fmt.Errorf("%w: step %d to polling: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// RecordStepPoll bumps the step's poll counter and poll timestamp, returning
// the new counter value. ok is false when the step is no longer polling.
func (s *ExecutionStore) RecordStepPoll(ctx context.Context, id int64) (int, bool, error) {
	var pollCount int

	err := s.conn.QueryRowContext(ctx, `
		UPDATE step_executions
		SET last_polled_at = NOW(), poll_count = poll_count + 1
		WHERE id = $1 AND status = 'polling'
		RETURNING poll_count`, id).Scan(&pollCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("%w: record step %d poll: %w", ErrExecutionStoreFailed, id, err)
	}

	return pollCount, true, nil
}

// ContinueStepPolling refreshes last_polled_at after an incomplete poll
// result. Returns false when the step is no longer polling.
func (s *ExecutionStore) ContinueStepPolling(ctx context.Context, id int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions SET last_polled_at = NOW()
		WHERE id = $1 AND status = 'polling'`, id)
	if err != nil {
		return false, fmt.Errorf("%w: continue step %d polling: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// MarkStepPollTimeout moves a polling step whose window expired to
// poll_timeout. Returns false when the step was not polling.
func (s *ExecutionStore) MarkStepPollTimeout(ctx context.Context, id int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions SET status = 'poll_timeout'
		WHERE id = $1 AND status = 'polling'`, id)
	if err != nil {
		return false, fmt.Errorf("%w: step %d poll timeout: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// ScheduleStepRetry moves a failing step back to pending with an incremented
// retry counter and the time before which it must not be re-dispatched. Poll
// state resets so a retried poll step gets a fresh window. Returns the new
// retry count; ok is false when the step already left the retryable states.
func (s *ExecutionStore) ScheduleStepRetry(ctx context.Context, id int64, retryAfter time.Time) (int, bool, error) {
	var retryCount int

	err := s.conn.QueryRowContext(ctx, `
		UPDATE step_executions
		SET status = 'pending', retry_count = retry_count + 1, retry_after = $2,
		    poll_started_at = NULL, last_polled_at = NULL, poll_count = 0
		WHERE id = $1 AND status IN ('dispatched', 'polling', 'poll_timeout')
		RETURNING retry_count`, id, retryAfter).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("%w: schedule step %d retry: %w", ErrExecutionStoreFailed, id, err)
	}

	return retryCount, true, nil
}

// MarkStepRolledBack records that the failed step's rollback sequence
// finished. Returns false when the step was not in the failed state.
func (s *ExecutionStore) MarkStepRolledBack(ctx context.Context, id int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions SET status = 'rolled_back'
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return false, fmt.Errorf("%w: mark step %d rolled back: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// SkipPendingMemberSteps marks the member's not-yet-dispatched regular steps
// skipped across the whole batch, closing out a chain the member dropped out
// of. Rollback rows are left alone. Returns the number of steps skipped.
func (s *ExecutionStore) SkipPendingMemberSteps(ctx context.Context, memberID int64) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE step_executions
		SET status = 'skipped', completed_at = NOW()
		WHERE batch_member_id = $1 AND status = 'pending' AND is_rollback_step = FALSE`,
		memberID)
	if err != nil {
		return 0, fmt.Errorf("%w: skip member %d steps: %w", ErrExecutionStoreFailed, memberID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrExecutionStoreFailed, err)
	}

	return affected, nil
}

// CancelMemberSteps cancels the member's cancellable steps across the whole
// batch. Returns the number of steps cancelled.
func (s *ExecutionStore) CancelMemberSteps(ctx context.Context, memberID int64) (int64, error) {
	return s.cancelSteps(ctx, `
		UPDATE step_executions
		SET status = 'cancelled', completed_at = NOW()
		WHERE batch_member_id = $1
		  AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`, memberID)
}

// CancelPhaseSteps cancels the phase's cancellable steps. Returns the number
// of steps cancelled.
func (s *ExecutionStore) CancelPhaseSteps(ctx context.Context, phaseExecutionID int64) (int64, error) {
	return s.cancelSteps(ctx, `
		UPDATE step_executions
		SET status = 'cancelled', completed_at = NOW()
		WHERE phase_execution_id = $1
		  AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`, phaseExecutionID)
}

// CancelBatchSteps cancels every cancellable step in the batch. Returns the
// number of steps cancelled.
func (s *ExecutionStore) CancelBatchSteps(ctx context.Context, batchID int64) (int64, error) {
	return s.cancelSteps(ctx, `
		UPDATE step_executions
		SET status = 'cancelled', completed_at = NOW()
		WHERE phase_execution_id IN (SELECT id FROM phase_executions WHERE batch_id = $1)
		  AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`, batchID)
}

func (s *ExecutionStore) cancelSteps(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: cancel steps: %w", ErrExecutionStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrExecutionStoreFailed, err)
	}

	return affected, nil
}

// CountNonTerminalSteps returns how many of the phase's steps can still
// change state. Zero means the phase's work is finished.
func (s *ExecutionStore) CountNonTerminalSteps(ctx context.Context, phaseExecutionID int64) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM step_executions
		WHERE phase_execution_id = $1
		  AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`,
		phaseExecutionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count non-terminal steps: %w", ErrExecutionStoreFailed, err)
	}

	return count, nil
}

func scanStep(row rowScanner) (*execution.StepExecution, error) {
	var (
		step          execution.StepExecution
		status        string
		jobID         sql.NullString
		resultJSON    sql.NullString
		errorMessage  sql.NullString
		dispatchedAt  sql.NullTime
		completedAt   sql.NullTime
		pollStartedAt sql.NullTime
		lastPolledAt  sql.NullTime
		maxRetries    sql.NullInt64
		retryAfter    sql.NullTime
	)

	err := row.Scan(
		&step.ID, &step.PhaseExecutionID, &step.BatchMemberID, &step.StepName, &step.StepIndex,
		&step.WorkerID, &step.FunctionName, &step.ParamsJSON, &step.OnFailure, &status,
		&jobID, &resultJSON, &errorMessage, &dispatchedAt, &completedAt,
		&step.IsRollbackStep, &step.IsPollStep, &step.PollIntervalSec, &step.PollTimeoutSec,
		&pollStartedAt, &lastPolledAt, &step.PollCount,
		&step.RetryCount, &maxRetries, &step.RetryIntervalSec, &retryAfter,
	)
	if err != nil {
		return nil, err
	}

	step.Status = execution.StepStatus(status)
	step.JobID = stringPtr(jobID)
	step.ResultJSON = stringPtr(resultJSON)
	step.ErrorMessage = stringPtr(errorMessage)
	step.DispatchedAt = timePtr(dispatchedAt)
	step.CompletedAt = timePtr(completedAt)
	step.PollStartedAt = timePtr(pollStartedAt)
	step.LastPolledAt = timePtr(lastPolledAt)
	step.MaxRetries = intPtr(maxRetries)
	step.RetryAfter = timePtr(retryAfter)

	return &step, nil
}
