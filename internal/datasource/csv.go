package datasource

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/cutover-io/cutover/internal/runbook"
)

// CSVSource reads members from a CSV file whose path comes from the
// environment variable the runbook names. The first record is the header;
// the query field is unused. Intended for fixtures and small manual
// migrations.
type CSVSource struct{}

// Query reads the whole file and returns one row per CSV record.
func (s *CSVSource) Query(ctx context.Context, ds *runbook.DataSource) ([]Row, error) {
	path, err := resolveConnection(ds)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrQueryFailed, path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: read header of %s: %w", ErrQueryFailed, path, err)
	}

	var result []Row

	for {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrQueryFailed, ctx.Err())
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrQueryFailed, path, err)
		}

		raw := make(map[string]string, len(header))
		for i, column := range header {
			if i < len(record) {
				raw[column] = record[i]
			} else {
				raw[column] = ""
			}
		}

		result = append(result, Normalize(ds, raw))
	}

	return result, nil
}
