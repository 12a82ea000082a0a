package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cutover-io/cutover/internal/execution"
)

const initColumns = `
	id, batch_id, step_name, step_index, worker_id, function_name,
	params_json, on_failure, runbook_version, status,
	job_id, result_json, error_message, dispatched_at, completed_at,
	is_poll_step, poll_interval_sec, poll_timeout_sec,
	poll_started_at, last_polled_at, poll_count,
	retry_count, max_retries, retry_interval_sec, retry_after
`

// InsertInits inserts init executions, skipping rows that already exist for
// the same (batch, step name, version). Returns how many rows were actually
// inserted; ids are written back into the inserted structs.
func (s *ExecutionStore) InsertInits(ctx context.Context, inits []*execution.InitExecution) (int, error) {
	inserted := 0

	for _, init := range inits {
		err := s.conn.QueryRowContext(ctx, `
			INSERT INTO init_executions (
				batch_id, step_name, step_index, worker_id, function_name,
				params_json, on_failure, runbook_version, status,
				is_poll_step, poll_interval_sec, poll_timeout_sec,
				max_retries, retry_interval_sec
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (batch_id, step_name, runbook_version) DO NOTHING
			RETURNING id`,
			init.BatchID,
			init.StepName,
			init.StepIndex,
			init.WorkerID,
			init.FunctionName,
			init.ParamsJSON,
			init.OnFailure,
			init.RunbookVersion,
			string(init.Status),
			init.IsPollStep,
			init.PollIntervalSec,
			init.PollTimeoutSec,
			nullInt(init.MaxRetries),
			init.RetryIntervalSec,
		).Scan(&init.ID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}

		if err != nil {
			return inserted, fmt.Errorf("%w: insert init %q: %w", ErrExecutionStoreFailed, init.StepName, err)
		}

		inserted++
	}

	return inserted, nil
}

// GetInit fetches an init execution by id.
func (s *ExecutionStore) GetInit(ctx context.Context, id int64) (*execution.InitExecution, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+initColumns+` FROM init_executions WHERE id = $1`, id)

	init, err := scanInit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInitNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	return init, nil
}

// ListInits returns every init execution of a batch across all versions,
// ordered by version then index.
func (s *ExecutionStore) ListInits(ctx context.Context, batchID int64) ([]*execution.InitExecution, error) {
	return s.listInits(ctx, `
		SELECT `+initColumns+` FROM init_executions
		WHERE batch_id = $1
		ORDER BY runbook_version, step_index`, batchID)
}

// ListPendingInits returns the batch's pending inits for one runbook
// version, in dispatch order.
func (s *ExecutionStore) ListPendingInits(ctx context.Context, batchID int64, version int) ([]*execution.InitExecution, error) {
	return s.listInits(ctx, `
		SELECT `+initColumns+` FROM init_executions
		WHERE batch_id = $1 AND runbook_version = $2 AND status = 'pending'
		ORDER BY step_index`, batchID, version)
}

// ListDuePollingInits returns polling inits whose next poll is due or whose
// poll window has expired as of the given time.
func (s *ExecutionStore) ListDuePollingInits(ctx context.Context, asOf time.Time) ([]*execution.InitExecution, error) {
	return s.listInits(ctx, `
		SELECT `+initColumns+` FROM init_executions
		WHERE status = 'polling'
		  AND (last_polled_at + make_interval(secs => poll_interval_sec) <= $1
		       OR poll_started_at + make_interval(secs => poll_timeout_sec) <= $1)
		ORDER BY id`, asOf)
}

func (s *ExecutionStore) listInits(ctx context.Context, query string, args ...any) ([]*execution.InitExecution, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list inits: %w", ErrExecutionStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var inits []*execution.InitExecution

	for rows.Next() {
		init, err := scanInit(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan init: %w", ErrExecutionStoreFailed, err)
		}

		inits = append(inits, init)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate inits: %w", ErrExecutionStoreFailed, err)
	}

	return inits, nil
}

// InitVersionExists reports whether the batch already has init executions
// for the given runbook version.
func (s *ExecutionStore) InitVersionExists(ctx context.Context, batchID int64, version int) (bool, error) {
	var exists bool

	err := s.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM init_executions WHERE batch_id = $1 AND runbook_version = $2
		)`, batchID, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: init version exists: %w", ErrExecutionStoreFailed, err)
	}

	return exists, nil
}

// MarkInitDispatched moves a pending init to dispatched with its job id.
// Returns false when the init was not pending.
func (s *ExecutionStore) MarkInitDispatched(ctx context.Context, id int64, jobID string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions
		SET status = 'dispatched', job_id = $2, dispatched_at = NOW(), retry_after = NULL
		WHERE id = $1 AND status = 'pending'`, id, jobID)
	if err != nil {
		return false, fmt.Errorf("%w: mark init %d dispatched: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// CompleteInit moves a dispatched or polling init to succeeded with its
// result body. Returns false when the init was in neither state.
func (s *ExecutionStore) CompleteInit(ctx context.Context, id int64, resultJSON *string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions
		SET status = 'succeeded', result_json = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('dispatched', 'polling')`, id, nullString(resultJSON))
	if err != nil {
		return false, fmt.Errorf("%w: complete init %d: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// FailInit terminally fails an init with the worker's error message.
// Returns false when the init already left the failable states.
func (s *ExecutionStore) FailInit(ctx context.Context, id int64, errorMessage string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('dispatched', 'polling', 'poll_timeout')`, id, errorMessage)
	if err != nil {
		return false, fmt.Errorf("%w: fail init %d: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// SkipInit terminally skips an init whose failure directive lets the batch
// proceed without it. Returns false when the init already left the failable
// states.
func (s *ExecutionStore) SkipInit(ctx context.Context, id int64, errorMessage string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions
		SET status = 'skipped', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('dispatched', 'polling', 'poll_timeout')`, id, errorMessage)
	if err != nil {
		return false, fmt.Errorf("%w: skip init %d: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// InitToPolling moves a dispatched init into the polling state, opening its
// poll window. Returns false when the init was not dispatched.
func (s *ExecutionStore) InitToPolling(ctx context.Context, id int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions
		SET status = 'polling', poll_started_at = NOW(), last_polled_at = NOW()
		WHERE id = $1 AND status = 'dispatched'`, id)
	if err != nil {
		return false, fmt.Errorf("%w: init %d to polling: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// RecordInitPoll bumps the init's poll counter and poll timestamp, returning
// the new counter value. ok is false when the init is no longer polling.
func (s *ExecutionStore) RecordInitPoll(ctx context.Context, id int64) (int, bool, error) {
	var pollCount int

	err := s.conn.QueryRowContext(ctx, `
		UPDATE init_executions
		SET last_polled_at = NOW(), poll_count = poll_count + 1
		WHERE id = $1 AND status = 'polling'
		RETURNING poll_count`, id).Scan(&pollCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("%w: record init %d poll: %w", ErrExecutionStoreFailed, id, err)
	}

	return pollCount, true, nil
}

// ContinueInitPolling refreshes last_polled_at after an incomplete poll
// result. Returns false when the init is no longer polling.
func (s *ExecutionStore) ContinueInitPolling(ctx context.Context, id int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions SET last_polled_at = NOW()
		WHERE id = $1 AND status = 'polling'`, id)
	if err != nil {
		return false, fmt.Errorf("%w: continue init %d polling: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// MarkInitPollTimeout moves a polling init whose window expired to
// poll_timeout. Returns false when the init was not polling.
func (s *ExecutionStore) MarkInitPollTimeout(ctx context.Context, id int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions SET status = 'poll_timeout'
		WHERE id = $1 AND status = 'polling'`, id)
	if err != nil {
		return false, fmt.Errorf("%w: init %d poll timeout: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// ScheduleInitRetry moves a failing init back to pending with an incremented
// retry counter. Poll state resets so a retried poll init gets a fresh
// window. Returns the new retry count; ok is false when the init already
// left the retryable states.
func (s *ExecutionStore) ScheduleInitRetry(ctx context.Context, id int64, retryAfter time.Time) (int, bool, error) {
	var retryCount int

	err := s.conn.QueryRowContext(ctx, `
		UPDATE init_executions
		SET status = 'pending', retry_count = retry_count + 1, retry_after = $2,
		    poll_started_at = NULL, last_polled_at = NULL, poll_count = 0
		WHERE id = $1 AND status IN ('dispatched', 'polling', 'poll_timeout')
		RETURNING retry_count`, id, retryAfter).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("%w: schedule init %d retry: %w", ErrExecutionStoreFailed, id, err)
	}

	return retryCount, true, nil
}

// CancelBatchInits cancels every cancellable init in the batch. Returns the
// number of inits cancelled.
func (s *ExecutionStore) CancelBatchInits(ctx context.Context, batchID int64) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE init_executions
		SET status = 'cancelled', completed_at = NOW()
		WHERE batch_id = $1
		  AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`, batchID)
	if err != nil {
		return 0, fmt.Errorf("%w: cancel batch %d inits: %w", ErrExecutionStoreFailed, batchID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrExecutionStoreFailed, err)
	}

	return affected, nil
}

// CountUnfinishedInits returns how many of the batch's inits for a version
// can still change state.
func (s *ExecutionStore) CountUnfinishedInits(ctx context.Context, batchID int64, version int) (int, error) {
	return s.countInits(ctx, `
		SELECT COUNT(*) FROM init_executions
		WHERE batch_id = $1 AND runbook_version = $2
		  AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`, batchID, version)
}

// CountFailedInits returns how many of the batch's inits for a version
// terminally failed. Any means the batch must not activate.
func (s *ExecutionStore) CountFailedInits(ctx context.Context, batchID int64, version int) (int, error) {
	return s.countInits(ctx, `
		SELECT COUNT(*) FROM init_executions
		WHERE batch_id = $1 AND runbook_version = $2 AND status = 'failed'`, batchID, version)
}

func (s *ExecutionStore) countInits(ctx context.Context, query string, args ...any) (int, error) {
	var count int

	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count inits: %w", ErrExecutionStoreFailed, err)
	}

	return count, nil
}

func insertInitRow(ctx context.Context, q querier, init *execution.InitExecution) error {
	return q.QueryRowContext(ctx, `
		INSERT INTO init_executions (
			batch_id, step_name, step_index, worker_id, function_name,
			params_json, on_failure, runbook_version, status,
			is_poll_step, poll_interval_sec, poll_timeout_sec,
			max_retries, retry_interval_sec
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		init.BatchID,
		init.StepName,
		init.StepIndex,
		init.WorkerID,
		init.FunctionName,
		init.ParamsJSON,
		init.OnFailure,
		init.RunbookVersion,
		string(init.Status),
		init.IsPollStep,
		init.PollIntervalSec,
		init.PollTimeoutSec,
		nullInt(init.MaxRetries),
		init.RetryIntervalSec,
	).Scan(&init.ID)
}

func scanInit(row rowScanner) (*execution.InitExecution, error) {
	var (
		init          execution.InitExecution
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
		&init.ID, &init.BatchID, &init.StepName, &init.StepIndex,
		&init.WorkerID, &init.FunctionName, &init.ParamsJSON, &init.OnFailure,
		&init.RunbookVersion, &status,
		&jobID, &resultJSON, &errorMessage, &dispatchedAt, &completedAt,
		&init.IsPollStep, &init.PollIntervalSec, &init.PollTimeoutSec,
		&pollStartedAt, &lastPolledAt, &init.PollCount,
		&init.RetryCount, &maxRetries, &init.RetryIntervalSec, &retryAfter,
	)
	if err != nil {
		return nil, err
	}

	init.Status = execution.StepStatus(status)
	init.JobID = stringPtr(jobID)
	init.ResultJSON = stringPtr(resultJSON)
	init.ErrorMessage = stringPtr(errorMessage)
	init.DispatchedAt = timePtr(dispatchedAt)
	init.CompletedAt = timePtr(completedAt)
	init.PollStartedAt = timePtr(pollStartedAt)
	init.LastPolledAt = timePtr(lastPolledAt)
	init.MaxRetries = intPtr(maxRetries)
	init.RetryAfter = timePtr(retryAfter)

	return &init, nil
}
