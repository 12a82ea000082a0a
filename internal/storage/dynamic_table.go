package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/runbook"
)

// ErrDynamicTableFailed is returned when a dynamic-table operation fails.
var ErrDynamicTableFailed = errors.New("dynamic table operation failed")

// DynamicRow is one data-source row headed for a runbook's mirror table.
// Data values are already normalized to strings, with multi-valued columns
// rendered as JSON arrays.
type DynamicRow struct {
	MemberKey string
	BatchTime string
	Data      map[string]string
}

// DynamicTableStore maintains one mirror table per runbook version. Every
// discovered column is TEXT; identity, recency, and presence live in the
// underscore-prefixed system columns.
type DynamicTableStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDynamicTableStore creates a PostgreSQL-backed dynamic table store.
func NewDynamicTableStore(conn *Connection) (*DynamicTableStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DynamicTableStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// EnsureTable creates the mirror table if missing and adds any data columns
// not seen before. Existing columns are never dropped or retyped, so a
// shrinking source query leaves old columns in place.
func (s *DynamicTableStore) EnsureTable(ctx context.Context, tableName string, dataColumns []string) error {
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s TEXT PRIMARY KEY,
			%s TEXT,
			%s TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			%s TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			%s BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		pq.QuoteIdentifier(tableName),
		pq.QuoteIdentifier(runbook.ColumnMemberKey),
		pq.QuoteIdentifier(runbook.ColumnBatchTime),
		pq.QuoteIdentifier(runbook.ColumnFirstSeenAt),
		pq.QuoteIdentifier(runbook.ColumnLastSeenAt),
		pq.QuoteIdentifier(runbook.ColumnIsCurrent),
	)

	if _, err := s.conn.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrDynamicTableFailed, tableName, err)
	}

	for _, column := range dataColumns {
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT`,
			pq.QuoteIdentifier(tableName), pq.QuoteIdentifier(column))

		if _, err := s.conn.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("%w: add column %s.%s: %w", ErrDynamicTableFailed, tableName, column, err)
		}
	}

	return nil
}

// UpsertRows writes the current query result into the mirror table. Present
// rows are inserted or refreshed and flagged current.
func (s *DynamicTableStore) UpsertRows(ctx context.Context, tableName string, rows []DynamicRow) error {
	for _, row := range rows {
		if err := s.upsertRow(ctx, tableName, row); err != nil {
			return fmt.Errorf("%w: upsert %s into %s: %w", ErrDynamicTableFailed, row.MemberKey, tableName, err)
		}
	}

	return nil
}

func (s *DynamicTableStore) upsertRow(ctx context.Context, tableName string, row DynamicRow) error {
	dataColumns := make([]string, 0, len(row.Data))
	for column := range row.Data {
		dataColumns = append(dataColumns, column)
	}

	sort.Strings(dataColumns)

	columns := []string{
		pq.QuoteIdentifier(runbook.ColumnMemberKey),
		pq.QuoteIdentifier(runbook.ColumnBatchTime),
	}
	placeholders := []string{"$1", "$2"}
	args := []any{row.MemberKey, row.BatchTime}
	updates := []string{
		fmt.Sprintf("%s = EXCLUDED.%s",
			pq.QuoteIdentifier(runbook.ColumnBatchTime), pq.QuoteIdentifier(runbook.ColumnBatchTime)),
		fmt.Sprintf("%s = NOW()", pq.QuoteIdentifier(runbook.ColumnLastSeenAt)),
		fmt.Sprintf("%s = TRUE", pq.QuoteIdentifier(runbook.ColumnIsCurrent)),
	}

	for _, column := range dataColumns {
		quoted := pq.QuoteIdentifier(column)
		columns = append(columns, quoted)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, row.Data[column])
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		pq.QuoteIdentifier(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		pq.QuoteIdentifier(runbook.ColumnMemberKey),
		strings.Join(updates, ", "),
	)

	_, err := s.conn.ExecContext(ctx, query, args...)

	return err
}

// MarkAbsent flips rows missing from the current query result to not
// current. Returns how many rows flipped.
func (s *DynamicTableStore) MarkAbsent(ctx context.Context, tableName string, presentKeys []string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET %s = FALSE WHERE %s = TRUE AND NOT (%s = ANY($1))`,
		pq.QuoteIdentifier(tableName),
		pq.QuoteIdentifier(runbook.ColumnIsCurrent),
		pq.QuoteIdentifier(runbook.ColumnIsCurrent),
		pq.QuoteIdentifier(runbook.ColumnMemberKey),
	)

	result, err := s.conn.ExecContext(ctx, query, pq.Array(presentKeys))
	if err != nil {
		return 0, fmt.Errorf("%w: mark absent in %s: %w", ErrDynamicTableFailed, tableName, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrDynamicTableFailed, err)
	}

	return affected, nil
}

// CountCurrent returns the number of rows flagged current in the mirror
// table.
func (s *DynamicTableStore) CountCurrent(ctx context.Context, tableName string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = TRUE`,
		pq.QuoteIdentifier(tableName), pq.QuoteIdentifier(runbook.ColumnIsCurrent))

	var count int

	if err := s.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count current in %s: %w", ErrDynamicTableFailed, tableName, err)
	}

	return count, nil
}
