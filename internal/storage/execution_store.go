package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/execution"
)

// Sentinel errors for execution-record storage operations.
var (
	// ErrExecutionStoreFailed is returned when an execution storage
	// operation fails.
	ErrExecutionStoreFailed = errors.New("execution storage failed")

	// ErrPhaseNotFound is returned when the requested phase execution does
	// not exist.
	ErrPhaseNotFound = errors.New("phase execution not found")

	// ErrStepNotFound is returned when the requested step execution does
	// not exist.
	ErrStepNotFound = errors.New("step execution not found")

	// ErrInitNotFound is returned when the requested init execution does
	// not exist.
	ErrInitNotFound = errors.New("init execution not found")
)

// ExecutionStore persists phase, step, and init execution records. Every
// status change is a compare-and-set, so redelivered events and concurrent
// handlers observe zero affected rows instead of clobbering each other.
type ExecutionStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewExecutionStore creates a PostgreSQL-backed execution store.
func NewExecutionStore(conn *Connection) (*ExecutionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ExecutionStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

const phaseColumns = `
	id, batch_id, phase_name, offset_minutes, due_at, runbook_version,
	status, dispatched_at, completed_at
`

// InsertPhases inserts pending phase executions, writing generated ids back
// into the passed structs. Callers guard against re-insertion with
// PhaseVersionExists; within batch creation the batch unique key already
// does.
func (s *ExecutionStore) InsertPhases(ctx context.Context, phases []*execution.PhaseExecution) error {
	for _, phase := range phases {
		if err := insertPhaseRow(ctx, s.conn, phase); err != nil {
			return fmt.Errorf("%w: insert phase %q: %w", ErrExecutionStoreFailed, phase.PhaseName, err)
		}
	}

	return nil
}

// GetPhase fetches a phase execution by id.
func (s *ExecutionStore) GetPhase(ctx context.Context, id int64) (*execution.PhaseExecution, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+phaseColumns+` FROM phase_executions WHERE id = $1`, id)

	phase, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPhaseNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionStoreFailed, err)
	}

	return phase, nil
}

// ListPhases returns every phase execution of a batch, ordered by offset
// then version so superseded generations group naturally.
func (s *ExecutionStore) ListPhases(ctx context.Context, batchID int64) ([]*execution.PhaseExecution, error) {
	return s.listPhases(ctx, `
		SELECT `+phaseColumns+` FROM phase_executions
		WHERE batch_id = $1
		ORDER BY offset_minutes, runbook_version`, batchID)
}

// ListDuePendingPhases returns the batch's pending phases whose due time has
// arrived, earliest offset first.
func (s *ExecutionStore) ListDuePendingPhases(ctx context.Context, batchID int64, asOf time.Time) ([]*execution.PhaseExecution, error) {
	return s.listPhases(ctx, `
		SELECT `+phaseColumns+` FROM phase_executions
		WHERE batch_id = $1 AND status = 'pending' AND due_at IS NOT NULL AND due_at <= $2
		ORDER BY offset_minutes`, batchID, asOf)
}

// ListPendingPhases returns the batch's pending phases regardless of due
// time, earliest offset first. Manual advancement walks this list.
func (s *ExecutionStore) ListPendingPhases(ctx context.Context, batchID int64) ([]*execution.PhaseExecution, error) {
	return s.listPhases(ctx, `
		SELECT `+phaseColumns+` FROM phase_executions
		WHERE batch_id = $1 AND status = 'pending'
		ORDER BY offset_minutes`, batchID)
}

func (s *ExecutionStore) listPhases(ctx context.Context, query string, args ...any) ([]*execution.PhaseExecution, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list phases: %w", ErrExecutionStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var phases []*execution.PhaseExecution

	for rows.Next() {
		phase, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan phase: %w", ErrExecutionStoreFailed, err)
		}

		phases = append(phases, phase)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate phases: %w", ErrExecutionStoreFailed, err)
	}

	return phases, nil
}

// TransitionPhase moves a phase from one status to another, stamping
// dispatched_at or completed_at as the target requires. Returns false when
// the phase was not in the expected status.
func (s *ExecutionStore) TransitionPhase(ctx context.Context, id int64, from, to execution.PhaseStatus) (bool, error) {
	query := `UPDATE phase_executions SET status = $3 WHERE id = $1 AND status = $2`

	switch {
	case to == execution.PhaseDispatched:
		query = `UPDATE phase_executions SET status = $3, dispatched_at = NOW() WHERE id = $1 AND status = $2`
	case to.IsTerminal():
		query = `UPDATE phase_executions SET status = $3, completed_at = NOW() WHERE id = $1 AND status = $2`
	}

	result, err := s.conn.ExecContext(ctx, query, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("%w: transition phase %d: %w", ErrExecutionStoreFailed, id, err)
	}

	return oneRowAffected(result)
}

// ReplacePhaseGeneration applies a runbook version change to one batch in a
// single transaction: outstanding steps of older pending/dispatched phases
// are cancelled, those phases are marked superseded, and the new version's
// phase rows are inserted. When rerun inits are supplied, older cancellable
// inits are cancelled and the new init rows inserted as well. Returns the
// number of phases superseded.
func (s *ExecutionStore) ReplacePhaseGeneration(
	ctx context.Context,
	batchID int64,
	newVersion int,
	phases []*execution.PhaseExecution,
	inits []*execution.InitExecution,
) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin transaction: %w", ErrExecutionStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	// Steps of a superseded phase will never be driven again.
	_, err = tx.ExecContext(ctx, `
		UPDATE step_executions
		SET status = 'cancelled', completed_at = NOW()
		WHERE phase_execution_id IN (
			SELECT id FROM phase_executions
			WHERE batch_id = $1 AND runbook_version < $2 AND status IN ('pending', 'dispatched')
		)
		AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`,
		batchID, newVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: cancel superseded steps: %w", ErrExecutionStoreFailed, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE phase_executions
		SET status = 'superseded', completed_at = NOW()
		WHERE batch_id = $1 AND runbook_version < $2 AND status IN ('pending', 'dispatched')`,
		batchID, newVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: supersede phases: %w", ErrExecutionStoreFailed, err)
	}

	superseded, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrExecutionStoreFailed, err)
	}

	for _, phase := range phases {
		phase.BatchID = batchID
		if err := insertPhaseRow(ctx, tx, phase); err != nil {
			return 0, fmt.Errorf("%w: insert phase %q: %w", ErrExecutionStoreFailed, phase.PhaseName, err)
		}
	}

	if len(inits) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE init_executions
			SET status = 'cancelled', completed_at = NOW()
			WHERE batch_id = $1 AND runbook_version < $2
			  AND status IN ('pending', 'dispatched', 'polling', 'poll_timeout')`,
			batchID, newVersion)
		if err != nil {
			return 0, fmt.Errorf("%w: cancel superseded inits: %w", ErrExecutionStoreFailed, err)
		}

		for _, init := range inits {
			init.BatchID = batchID
			if err := insertInitRow(ctx, tx, init); err != nil {
				return 0, fmt.Errorf("%w: insert init %q: %w", ErrExecutionStoreFailed, init.StepName, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", ErrExecutionStoreFailed, err)
	}

	s.logger.Info("phase generation replaced",
		slog.Int64("batch_id", batchID),
		slog.Int("new_version", newVersion),
		slog.Int64("superseded", superseded),
		slog.Int("new_phases", len(phases)),
		slog.Int("rerun_inits", len(inits)),
	)

	return superseded, nil
}

// PhaseVersionExists reports whether the batch already has phase executions
// for the given runbook version.
func (s *ExecutionStore) PhaseVersionExists(ctx context.Context, batchID int64, version int) (bool, error) {
	var exists bool

	err := s.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM phase_executions WHERE batch_id = $1 AND runbook_version = $2
		)`, batchID, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: phase version exists: %w", ErrExecutionStoreFailed, err)
	}

	return exists, nil
}

// CountNonTerminalPhases returns how many of the batch's phases are still
// pending or dispatched. Zero means every phase reached a terminal state.
func (s *ExecutionStore) CountNonTerminalPhases(ctx context.Context, batchID int64) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM phase_executions
		WHERE batch_id = $1 AND status IN ('pending', 'dispatched')`,
		batchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count non-terminal phases: %w", ErrExecutionStoreFailed, err)
	}

	return count, nil
}

func insertPhaseRow(ctx context.Context, q querier, phase *execution.PhaseExecution) error {
	return q.QueryRowContext(ctx, `
		INSERT INTO phase_executions (
			batch_id, phase_name, offset_minutes, due_at, runbook_version, status
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		phase.BatchID,
		phase.PhaseName,
		phase.OffsetMinutes,
		nullTime(phase.DueAt),
		phase.RunbookVersion,
		string(phase.Status),
	).Scan(&phase.ID)
}

func scanPhase(row rowScanner) (*execution.PhaseExecution, error) {
	var (
		phase        execution.PhaseExecution
		dueAt        sql.NullTime
		status       string
		dispatchedAt sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&phase.ID, &phase.BatchID, &phase.PhaseName, &phase.OffsetMinutes,
		&dueAt, &phase.RunbookVersion, &status, &dispatchedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	phase.Status = execution.PhaseStatus(status)
	phase.DueAt = timePtr(dueAt)
	phase.DispatchedAt = timePtr(dispatchedAt)
	phase.CompletedAt = timePtr(completedAt)

	return &phase, nil
}

func oneRowAffected(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", ErrExecutionStoreFailed, err)
	}

	return affected == 1, nil
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}

	value := int(i.Int64)

	return &value
}
