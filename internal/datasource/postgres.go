package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cutover-io/cutover/internal/runbook"
)

const (
	postgresPingTimeout  = 10 * time.Second
	postgresMaxOpenConns = 2
)

// PostgresSource runs the member-discovery query against a PostgreSQL
// database. The connection string comes from the environment variable the
// runbook names, so credentials never land in the runbook YAML.
type PostgresSource struct{}

// Query opens a connection, runs the configured query, and renders every
// column of every row as a string.
func (s *PostgresSource) Query(ctx context.Context, ds *runbook.DataSource) ([]Row, error) {
	dsn, err := resolveConnection(ds)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrQueryFailed, err)
	}

	defer func() {
		_ = db.Close()
	}()

	db.SetMaxOpenConns(postgresMaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("%w: ping: %w", ErrQueryFailed, err)
	}

	rows, err := db.QueryContext(ctx, ds.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: columns: %w", ErrQueryFailed, err)
	}

	var result []Row

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrQueryFailed, err)
		}

		raw := make(map[string]string, len(columns))
		for i, column := range columns {
			raw[column] = renderValue(values[i])
		}

		result = append(result, Normalize(ds, raw))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %w", ErrQueryFailed, err)
	}

	return result, nil
}

// renderValue stringifies a driver value. Nulls become empty strings, the
// same convention template resolution uses.
func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case []byte:
		return string(v)
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
