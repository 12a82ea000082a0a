package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/runbook"
)

// Sentinel errors for runbook storage operations.
var (
	// ErrRunbookStoreFailed is returned when a runbook storage operation fails.
	ErrRunbookStoreFailed = errors.New("runbook storage failed")

	// ErrRunbookNotFound is returned when the requested runbook (or version)
	// does not exist.
	ErrRunbookNotFound = errors.New("runbook not found")

	// ErrRunbookVersionConflict is returned when two writers race to insert
	// the same (name, version). The caller retries with a fresh version.
	ErrRunbookVersionConflict = errors.New("runbook version conflict")
)

// RunbookStore persists runbook versions and their automation toggles.
// Runbook rows are immutable once inserted except for is_active and
// last_error.
type RunbookStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRunbookStore creates a PostgreSQL-backed runbook store.
func NewRunbookStore(conn *Connection) (*RunbookStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RunbookStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

const runbookColumns = `
	id, name, version, yaml, data_table_name, is_active,
	overdue_behavior, rerun_init, last_error, created_at
`

// CreateVersion inserts the next version of the named runbook. The version
// is allocated monotonically per name and the dynamic table name is derived
// from (name, version). The new version starts inactive; Activate flips it.
func (s *RunbookStore) CreateVersion(ctx context.Context, name, yamlText string, def *runbook.Definition) (*execution.Runbook, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrRunbookStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	var version int

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM runbooks WHERE name = $1`,
		name,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate version: %w", ErrRunbookStoreFailed, err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO runbooks (
			name, version, yaml, data_table_name, is_active,
			overdue_behavior, rerun_init, created_at
		) VALUES ($1, $2, $3, $4, FALSE, $5, $6, NOW())
		RETURNING `+runbookColumns,
		name,
		version,
		yamlText,
		runbook.TableName(name, version),
		string(def.OverdueBehavior.OrDefault()),
		def.RerunInit,
	)

	created, err := scanRunbook(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s v%d", ErrRunbookVersionConflict, name, version)
		}

		return nil, fmt.Errorf("%w: insert runbook: %w", ErrRunbookStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrRunbookStoreFailed, err)
	}

	s.logger.Info("runbook version created",
		slog.String("runbook_name", name),
		slog.Int("version", version),
		slog.String("data_table_name", created.DataTableName),
	)

	return created, nil
}

// GetByID fetches one runbook version by row id.
func (s *RunbookStore) GetByID(ctx context.Context, id int64) (*execution.Runbook, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+runbookColumns+` FROM runbooks WHERE id = $1`, id)

	return runbookOrNotFound(row)
}

// GetVersion fetches one runbook version by (name, version).
func (s *RunbookStore) GetVersion(ctx context.Context, name string, version int) (*execution.Runbook, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+runbookColumns+` FROM runbooks WHERE name = $1 AND version = $2`,
		name, version)

	return runbookOrNotFound(row)
}

// GetActive fetches the active version of the named runbook.
func (s *RunbookStore) GetActive(ctx context.Context, name string) (*execution.Runbook, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+runbookColumns+` FROM runbooks WHERE name = $1 AND is_active`,
		name)

	return runbookOrNotFound(row)
}

// ListActive returns every active runbook version, ordered by name. This is
// the scheduler's per-tick work list.
func (s *RunbookStore) ListActive(ctx context.Context) ([]*execution.Runbook, error) {
	return s.list(ctx,
		`SELECT `+runbookColumns+` FROM runbooks WHERE is_active ORDER BY name`)
}

// List returns all runbook versions, newest versions first per name.
func (s *RunbookStore) List(ctx context.Context) ([]*execution.Runbook, error) {
	return s.list(ctx,
		`SELECT `+runbookColumns+` FROM runbooks ORDER BY name, version DESC`)
}

// ListVersions returns every stored version of the named runbook, newest
// first. Returns ErrRunbookNotFound when no version exists under the name.
func (s *RunbookStore) ListVersions(ctx context.Context, name string) ([]*execution.Runbook, error) {
	runbooks, err := s.list(ctx,
		`SELECT `+runbookColumns+` FROM runbooks WHERE name = $1 ORDER BY version DESC`, name)
	if err != nil {
		return nil, err
	}

	if len(runbooks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunbookNotFound, name)
	}

	return runbooks, nil
}

func (s *RunbookStore) list(ctx context.Context, query string, args ...any) ([]*execution.Runbook, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list runbooks: %w", ErrRunbookStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runbooks []*execution.Runbook

	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan runbook: %w", ErrRunbookStoreFailed, err)
		}

		runbooks = append(runbooks, rb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runbooks: %w", ErrRunbookStoreFailed, err)
	}

	return runbooks, nil
}

// Activate makes the given version the single active version of its name.
// Any previously active version is deactivated in the same transaction.
func (s *RunbookStore) Activate(ctx context.Context, name string, version int) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrRunbookStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE runbooks SET is_active = FALSE WHERE name = $1 AND is_active`, name); err != nil {
		return fmt.Errorf("%w: deactivate current version: %w", ErrRunbookStoreFailed, err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE runbooks SET is_active = TRUE WHERE name = $1 AND version = $2`,
		name, version)
	if err != nil {
		return fmt.Errorf("%w: activate version: %w", ErrRunbookStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrRunbookStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s v%d", ErrRunbookNotFound, name, version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrRunbookStoreFailed, err)
	}

	s.logger.Info("runbook version activated",
		slog.String("runbook_name", name),
		slog.Int("version", version),
	)

	return nil
}

// SetLastError records a runbook-scoped failure on the runbook row.
func (s *RunbookStore) SetLastError(ctx context.Context, id int64, message string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE runbooks SET last_error = $2 WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("%w: set last_error: %w", ErrRunbookStoreFailed, err)
	}

	return nil
}

// ClearLastError clears the runbook's error annotation after a clean tick.
func (s *RunbookStore) ClearLastError(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE runbooks SET last_error = NULL WHERE id = $1 AND last_error IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("%w: clear last_error: %w", ErrRunbookStoreFailed, err)
	}

	return nil
}

// SetAutomation upserts the automation toggle for a runbook name.
func (s *RunbookStore) SetAutomation(ctx context.Context, runbookName string, enabled bool) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO automation_settings (runbook_name, enabled, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (runbook_name) DO UPDATE
		SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		runbookName, enabled)
	if err != nil {
		return fmt.Errorf("%w: set automation: %w", ErrRunbookStoreFailed, err)
	}

	s.logger.Info("automation setting updated",
		slog.String("runbook_name", runbookName),
		slog.Bool("enabled", enabled),
	)

	return nil
}

// AutomationEnabled reports whether data-source polling is enabled for the
// runbook name. Names with no explicit setting default to enabled.
func (s *RunbookStore) AutomationEnabled(ctx context.Context, runbookName string) (bool, error) {
	var enabled bool

	err := s.conn.QueryRowContext(ctx,
		`SELECT enabled FROM automation_settings WHERE runbook_name = $1`,
		runbookName).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: query automation: %w", ErrRunbookStoreFailed, err)
	}

	return enabled, nil
}

// ListAutomationSettings returns every explicit automation toggle.
func (s *RunbookStore) ListAutomationSettings(ctx context.Context) ([]*execution.AutomationSetting, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT runbook_name, enabled, updated_at FROM automation_settings ORDER BY runbook_name`)
	if err != nil {
		return nil, fmt.Errorf("%w: list automation settings: %w", ErrRunbookStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var settings []*execution.AutomationSetting

	for rows.Next() {
		var setting execution.AutomationSetting
		if err := rows.Scan(&setting.RunbookName, &setting.Enabled, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan automation setting: %w", ErrRunbookStoreFailed, err)
		}

		settings = append(settings, &setting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate automation settings: %w", ErrRunbookStoreFailed, err)
	}

	return settings, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunbook(row rowScanner) (*execution.Runbook, error) {
	var (
		rb        execution.Runbook
		behavior  string
		lastError sql.NullString
	)

	err := row.Scan(
		&rb.ID, &rb.Name, &rb.Version, &rb.YAML, &rb.DataTableName, &rb.IsActive,
		&behavior, &rb.RerunInit, &lastError, &rb.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rb.OverdueBehavior = runbook.OverdueBehavior(behavior)

	if lastError.Valid {
		rb.LastError = &lastError.String
	}

	return &rb, nil
}

func runbookOrNotFound(row *sql.Row) (*execution.Runbook, error) {
	rb, err := scanRunbook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunbookNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunbookStoreFailed, err)
	}

	return rb, nil
}
