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

// Sentinel errors for batch and member storage operations.
var (
	// ErrBatchStoreFailed is returned when a batch storage operation fails.
	ErrBatchStoreFailed = errors.New("batch storage failed")

	// ErrBatchNotFound is returned when the requested batch does not exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchExists is returned when a batch for (runbook, start time)
	// already exists. Concurrent detection of the same group lands here.
	ErrBatchExists = errors.New("batch already exists")

	// ErrMemberNotFound is returned when the requested member does not exist.
	ErrMemberNotFound = errors.New("batch member not found")
)

// BatchStore persists batches and their members.
type BatchStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewBatchStore creates a PostgreSQL-backed batch store.
func NewBatchStore(conn *Connection) (*BatchStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &BatchStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

const batchColumns = `
	id, runbook_id, batch_start_time, status, is_manual,
	created_by, current_phase, detected_at, init_dispatched_at
`

const prefixedBatchColumns = `
	b.id, b.runbook_id, b.batch_start_time, b.status, b.is_manual,
	b.created_by, b.current_phase, b.detected_at, b.init_dispatched_at
`

const memberColumns = `
	id, batch_id, member_key, data_json, status, added_at,
	removed_at, failed_at, add_dispatched_at, remove_dispatched_at
`

// CreateBatch inserts a batch together with its members, pending phase
// executions, and pending init executions in one transaction, so a partial
// detection never leaves orphaned rows. All inserted ids are written back
// into the passed structs.
func (s *BatchStore) CreateBatch(
	ctx context.Context,
	batch *execution.Batch,
	members []*execution.BatchMember,
	phases []*execution.PhaseExecution,
	inits []*execution.InitExecution,
) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrBatchStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO batches (
			runbook_id, batch_start_time, status, is_manual,
			created_by, current_phase, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, detected_at`,
		batch.RunbookID,
		nullTime(batch.BatchStartTime),
		string(batch.Status),
		batch.IsManual,
		nullString(batch.CreatedBy),
		nullString(batch.CurrentPhase),
	).Scan(&batch.ID, &batch.DetectedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: runbook %d at %v", ErrBatchExists, batch.RunbookID, batch.BatchStartTime)
		}

		return fmt.Errorf("%w: insert batch: %w", ErrBatchStoreFailed, err)
	}

	for _, member := range members {
		member.BatchID = batch.ID
		if err := insertMemberRow(ctx, tx, member); err != nil {
			return fmt.Errorf("%w: insert member %q: %w", ErrBatchStoreFailed, member.MemberKey, err)
		}
	}

	for _, phase := range phases {
		phase.BatchID = batch.ID
		if err := insertPhaseRow(ctx, tx, phase); err != nil {
			return fmt.Errorf("%w: insert phase %q: %w", ErrBatchStoreFailed, phase.PhaseName, err)
		}
	}

	for _, init := range inits {
		init.BatchID = batch.ID
		if err := insertInitRow(ctx, tx, init); err != nil {
			return fmt.Errorf("%w: insert init %q: %w", ErrBatchStoreFailed, init.StepName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrBatchStoreFailed, err)
	}

	s.logger.Info("batch created",
		slog.Int64("batch_id", batch.ID),
		slog.Int64("runbook_id", batch.RunbookID),
		slog.Bool("is_manual", batch.IsManual),
		slog.Int("member_count", len(members)),
		slog.Int("phase_count", len(phases)),
		slog.Int("init_count", len(inits)),
	)

	return nil
}

// GetBatch fetches a batch by id.
func (s *BatchStore) GetBatch(ctx context.Context, id int64) (*execution.Batch, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)

	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBatchStoreFailed, err)
	}

	return batch, nil
}

// FindByStartTime fetches the batch anchored at the given start time, if
// any. Lookup is by runbook name rather than version row: a batch created
// under v1 must still match its group after v2 activates, or detection
// would create a duplicate cohort.
func (s *BatchStore) FindByStartTime(ctx context.Context, runbookName string, startTime time.Time) (*execution.Batch, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+prefixedBatchColumns+`
		FROM batches b
		JOIN runbooks r ON r.id = b.runbook_id
		WHERE r.name = $1 AND b.batch_start_time = $2`,
		runbookName, startTime)

	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBatchStoreFailed, err)
	}

	return batch, nil
}

// ListNonTerminalByRunbook returns the named runbook's batches still in
// flight across all versions, oldest first.
func (s *BatchStore) ListNonTerminalByRunbook(ctx context.Context, runbookName string) ([]*execution.Batch, error) {
	return s.listBatches(ctx, `
		SELECT `+prefixedBatchColumns+`
		FROM batches b
		JOIN runbooks r ON r.id = b.runbook_id
		WHERE r.name = $1 AND b.status NOT IN ('completed', 'failed')
		ORDER BY b.detected_at`, runbookName)
}

// ListByRunbook returns all of the named runbook's batches, newest first.
func (s *BatchStore) ListByRunbook(ctx context.Context, runbookName string) ([]*execution.Batch, error) {
	return s.listBatches(ctx, `
		SELECT `+prefixedBatchColumns+`
		FROM batches b
		JOIN runbooks r ON r.id = b.runbook_id
		WHERE r.name = $1
		ORDER BY b.detected_at DESC`, runbookName)
}

func (s *BatchStore) listBatches(ctx context.Context, query string, args ...any) ([]*execution.Batch, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list batches: %w", ErrBatchStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var batches []*execution.Batch

	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan batch: %w", ErrBatchStoreFailed, err)
		}

		batches = append(batches, batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate batches: %w", ErrBatchStoreFailed, err)
	}

	return batches, nil
}

// TransitionBatch moves a batch from one status to another. Returns false
// when the batch was not in the expected status, which callers treat as a
// concurrent or redundant transition. Terminal statuses are never left.
func (s *BatchStore) TransitionBatch(ctx context.Context, id int64, from, to execution.BatchStatus) (bool, error) {
	query := `UPDATE batches SET status = $3 WHERE id = $1 AND status = $2`
	if to == execution.BatchInitDispatched {
		query = `UPDATE batches SET status = $3, init_dispatched_at = NOW() WHERE id = $1 AND status = $2`
	}

	result, err := s.conn.ExecContext(ctx, query, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("%w: transition batch %d: %w", ErrBatchStoreFailed, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", ErrBatchStoreFailed, err)
	}

	return affected == 1, nil
}

// SetCurrentPhase records the batch's most recently dispatched phase name.
func (s *BatchStore) SetCurrentPhase(ctx context.Context, id int64, phaseName string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE batches SET current_phase = $2 WHERE id = $1`, id, phaseName)
	if err != nil {
		return fmt.Errorf("%w: set current phase: %w", ErrBatchStoreFailed, err)
	}

	return nil
}

// AddMembers inserts new members into an existing batch and returns only the
// rows actually inserted. Keys already present in the batch (including
// removed ones, which never reactivate) conflict silently and are excluded
// from the result.
func (s *BatchStore) AddMembers(ctx context.Context, batchID int64, members []*execution.BatchMember) ([]*execution.BatchMember, error) {
	var inserted []*execution.BatchMember

	for _, member := range members {
		member.BatchID = batchID

		err := s.conn.QueryRowContext(ctx, `
			INSERT INTO batch_members (batch_id, member_key, data_json, status, added_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (batch_id, member_key) DO NOTHING
			RETURNING id, added_at`,
			batchID, member.MemberKey, member.DataJSON, string(member.Status),
		).Scan(&member.ID, &member.AddedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}

		if err != nil {
			return inserted, fmt.Errorf("%w: add member %q: %w", ErrBatchStoreFailed, member.MemberKey, err)
		}

		inserted = append(inserted, member)
	}

	return inserted, nil
}

// RefreshMemberData overwrites an active member's data snapshot. Removed and
// failed members keep their last snapshot.
func (s *BatchStore) RefreshMemberData(ctx context.Context, batchID int64, memberKey, dataJSON string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE batch_members SET data_json = $3
		WHERE batch_id = $1 AND member_key = $2 AND status = 'active'`,
		batchID, memberKey, dataJSON)
	if err != nil {
		return fmt.Errorf("%w: refresh member data: %w", ErrBatchStoreFailed, err)
	}

	return nil
}

// MarkMemberRemoved transitions an active member to removed. Returns false
// when the member was not active.
func (s *BatchStore) MarkMemberRemoved(ctx context.Context, memberID int64) (bool, error) {
	return s.transitionMember(ctx, memberID,
		`UPDATE batch_members SET status = 'removed', removed_at = NOW()
		 WHERE id = $1 AND status = 'active'`)
}

// MarkMemberFailed transitions an active member to failed. Returns false
// when the member was not active.
func (s *BatchStore) MarkMemberFailed(ctx context.Context, memberID int64) (bool, error) {
	return s.transitionMember(ctx, memberID,
		`UPDATE batch_members SET status = 'failed', failed_at = NOW()
		 WHERE id = $1 AND status = 'active'`)
}

// MarkMemberAddDispatched records that the member-added event went out.
func (s *BatchStore) MarkMemberAddDispatched(ctx context.Context, memberID int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE batch_members SET add_dispatched_at = NOW() WHERE id = $1 AND add_dispatched_at IS NULL`,
		memberID)
	if err != nil {
		return fmt.Errorf("%w: mark add dispatched: %w", ErrBatchStoreFailed, err)
	}

	return nil
}

// MarkMemberRemoveDispatched records that the member-removed event went out.
func (s *BatchStore) MarkMemberRemoveDispatched(ctx context.Context, memberID int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE batch_members SET remove_dispatched_at = NOW() WHERE id = $1 AND remove_dispatched_at IS NULL`,
		memberID)
	if err != nil {
		return fmt.Errorf("%w: mark remove dispatched: %w", ErrBatchStoreFailed, err)
	}

	return nil
}

func (s *BatchStore) transitionMember(ctx context.Context, memberID int64, query string) (bool, error) {
	result, err := s.conn.ExecContext(ctx, query, memberID)
	if err != nil {
		return false, fmt.Errorf("%w: transition member %d: %w", ErrBatchStoreFailed, memberID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", ErrBatchStoreFailed, err)
	}

	return affected == 1, nil
}

// GetMember fetches a member by id.
func (s *BatchStore) GetMember(ctx context.Context, id int64) (*execution.BatchMember, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM batch_members WHERE id = $1`, id)

	member, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBatchStoreFailed, err)
	}

	return member, nil
}

// ListMembers returns every member of a batch, in insertion order.
func (s *BatchStore) ListMembers(ctx context.Context, batchID int64) ([]*execution.BatchMember, error) {
	return s.listMembers(ctx,
		`SELECT `+memberColumns+` FROM batch_members WHERE batch_id = $1 ORDER BY id`, batchID)
}

// ListActiveMembers returns a batch's active members, in insertion order.
func (s *BatchStore) ListActiveMembers(ctx context.Context, batchID int64) ([]*execution.BatchMember, error) {
	return s.listMembers(ctx, `
		SELECT `+memberColumns+` FROM batch_members
		WHERE batch_id = $1 AND status = 'active' ORDER BY id`, batchID)
}

func (s *BatchStore) listMembers(ctx context.Context, query string, args ...any) ([]*execution.BatchMember, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list members: %w", ErrBatchStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var members []*execution.BatchMember

	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan member: %w", ErrBatchStoreFailed, err)
		}

		members = append(members, member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate members: %w", ErrBatchStoreFailed, err)
	}

	return members, nil
}

// CountActiveMembers returns how many of the batch's members are active.
// Batch completion requires at least one; zero at the end means the whole
// cohort was lost and the batch failed.
func (s *BatchStore) CountActiveMembers(ctx context.Context, batchID int64) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_members WHERE batch_id = $1 AND status = 'active'`,
		batchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count active members: %w", ErrBatchStoreFailed, err)
	}

	return count, nil
}

// ActiveKeysForRunbook returns the member keys currently active in any
// non-terminal batch of the named runbook, across versions. Batch detection
// excludes these keys so one member never migrates in two batches at once.
func (s *BatchStore) ActiveKeysForRunbook(ctx context.Context, runbookName string) (map[string]bool, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT bm.member_key
		FROM batch_members bm
		JOIN batches b ON b.id = bm.batch_id
		JOIN runbooks r ON r.id = b.runbook_id
		WHERE r.name = $1
		  AND b.status NOT IN ('completed', 'failed')
		  AND bm.status = 'active'`, runbookName)
	if err != nil {
		return nil, fmt.Errorf("%w: query active keys: %w", ErrBatchStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := make(map[string]bool)

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan key: %w", ErrBatchStoreFailed, err)
		}

		keys[key] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate keys: %w", ErrBatchStoreFailed, err)
	}

	return keys, nil
}

// Founding members are announced through the batch-init event rather than
// per-member member-added events, so their addition is recorded as
// dispatched on insert.
func insertMemberRow(ctx context.Context, q querier, member *execution.BatchMember) error {
	var dispatched time.Time

	err := q.QueryRowContext(ctx, `
		INSERT INTO batch_members (batch_id, member_key, data_json, status, added_at, add_dispatched_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, added_at, add_dispatched_at`,
		member.BatchID, member.MemberKey, member.DataJSON, string(member.Status),
	).Scan(&member.ID, &member.AddedAt, &dispatched)
	if err != nil {
		return err
	}

	member.AddDispatchedAt = &dispatched

	return nil
}

func scanBatch(row rowScanner) (*execution.Batch, error) {
	var (
		batch            execution.Batch
		startTime        sql.NullTime
		createdBy        sql.NullString
		currentPhase     sql.NullString
		initDispatchedAt sql.NullTime
		status           string
	)

	err := row.Scan(
		&batch.ID, &batch.RunbookID, &startTime, &status, &batch.IsManual,
		&createdBy, &currentPhase, &batch.DetectedAt, &initDispatchedAt,
	)
	if err != nil {
		return nil, err
	}

	batch.Status = execution.BatchStatus(status)
	batch.BatchStartTime = timePtr(startTime)
	batch.CreatedBy = stringPtr(createdBy)
	batch.CurrentPhase = stringPtr(currentPhase)
	batch.InitDispatchedAt = timePtr(initDispatchedAt)

	return &batch, nil
}

func scanMember(row rowScanner) (*execution.BatchMember, error) {
	var (
		member             execution.BatchMember
		status             string
		removedAt          sql.NullTime
		failedAt           sql.NullTime
		addDispatchedAt    sql.NullTime
		removeDispatchedAt sql.NullTime
	)

	err := row.Scan(
		&member.ID, &member.BatchID, &member.MemberKey, &member.DataJSON, &status,
		&member.AddedAt, &removedAt, &failedAt, &addDispatchedAt, &removeDispatchedAt,
	)
	if err != nil {
		return nil, err
	}

	member.Status = execution.MemberStatus(status)
	member.RemovedAt = timePtr(removedAt)
	member.FailedAt = timePtr(failedAt)
	member.AddDispatchedAt = timePtr(addDispatchedAt)
	member.RemoveDispatchedAt = timePtr(removeDispatchedAt)

	return &member, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	value := t.Time

	return &value
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}

	value := s.String

	return &value
}
