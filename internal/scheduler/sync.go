package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cutover-io/cutover/internal/datasource"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/runbook"
	"github.com/cutover-io/cutover/internal/storage"
)

// immediateWindow is the grouping granularity for immediate-mode runbooks.
// Each tick's rows share one batch start time, the current UTC time rounded
// down to this boundary, so repeated ticks within the window land on the
// same cohort.
const immediateWindow = 5 * time.Minute

// batchGroup is one cohort of discovered rows sharing a batch start time.
type batchGroup struct {
	startTime time.Time
	rows      []datasource.Row
}

// syncMembers runs the runbook's discovery query, mirrors the result into
// the runbook's dynamic table, and groups the surviving rows into batch
// cohorts. Rows without a primary-key value are dropped before either use.
func (s *Scheduler) syncMembers(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, now time.Time) ([]batchGroup, error) {
	source, err := s.sources.Lookup(def.DataSource.Type)
	if err != nil {
		return nil, err
	}

	rows, err := source.Query(ctx, &def.DataSource)
	if err != nil {
		return nil, fmt.Errorf("query %s source: %w", def.DataSource.Type, err)
	}

	rows = s.dropKeyless(rb, &def.DataSource, rows)

	if err := s.mirrorRows(ctx, rb, &def.DataSource, rows); err != nil {
		return nil, err
	}

	return groupRows(&def.DataSource, rows, now, s.logger), nil
}

// mirrorRows keeps the runbook's dynamic table in step with the current
// query result: every present row is upserted, rows that stopped appearing
// are flipped off their current flag.
func (s *Scheduler) mirrorRows(ctx context.Context, rb *execution.Runbook, ds *runbook.DataSource, rows []datasource.Row) error {
	if err := s.stores.Tables.EnsureTable(ctx, rb.DataTableName, dataColumns(ds, rows)); err != nil {
		return err
	}

	dynamicRows := make([]storage.DynamicRow, 0, len(rows))
	presentKeys := make([]string, 0, len(rows))

	for _, row := range rows {
		dynamicRows = append(dynamicRows, storage.DynamicRow{
			MemberKey: row[ds.PrimaryKey],
			BatchTime: row[ds.BatchTimeColumn],
			Data:      rowData(ds, row),
		})
		presentKeys = append(presentKeys, row[ds.PrimaryKey])
	}

	if err := s.stores.Tables.UpsertRows(ctx, rb.DataTableName, dynamicRows); err != nil {
		return err
	}

	flipped, err := s.stores.Tables.MarkAbsent(ctx, rb.DataTableName, presentKeys)
	if err != nil {
		return err
	}

	if flipped > 0 {
		s.logger.Info("rows no longer present in source",
			slog.String("runbook", rb.Name),
			slog.Int64("count", flipped))
	}

	return nil
}

func (s *Scheduler) dropKeyless(rb *execution.Runbook, ds *runbook.DataSource, rows []datasource.Row) []datasource.Row {
	kept := make([]datasource.Row, 0, len(rows))

	for _, row := range rows {
		if row[ds.PrimaryKey] == "" {
			s.logger.Warn("dropping row without primary key value",
				slog.String("runbook", rb.Name),
				slog.String("primary_key", ds.PrimaryKey))

			continue
		}

		kept = append(kept, row)
	}

	return kept
}

// groupRows splits query rows into batch cohorts. Column mode groups by the
// RFC3339 value of the batch-time column and drops rows whose value does not
// parse, one warning per row. Immediate mode puts every row into a single
// cohort anchored at the current window boundary.
func groupRows(ds *runbook.DataSource, rows []datasource.Row, now time.Time, logger *slog.Logger) []batchGroup {
	if len(rows) == 0 {
		return nil
	}

	if ds.IsImmediate() {
		return []batchGroup{{startTime: now.UTC().Truncate(immediateWindow), rows: rows}}
	}

	index := make(map[time.Time]int)

	var groups []batchGroup

	for _, row := range rows {
		raw := row[ds.BatchTimeColumn]

		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			logger.Warn("dropping row with unparseable batch time",
				slog.String("member_key", row[ds.PrimaryKey]),
				slog.String("batch_time", raw))

			continue
		}

		at = at.UTC()

		i, ok := index[at]
		if !ok {
			i = len(groups)
			index[at] = i
			groups = append(groups, batchGroup{startTime: at})
		}

		groups[i].rows = append(groups[i].rows, row)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].startTime.Before(groups[j].startTime)
	})

	return groups
}

// dataColumns returns the sorted union of data columns across the rows. The
// primary-key and batch-time columns are excluded: those land in the dynamic
// table's system columns instead.
func dataColumns(ds *runbook.DataSource, rows []datasource.Row) []string {
	seen := make(map[string]bool)

	for _, row := range rows {
		for column := range row {
			if column == ds.PrimaryKey || (ds.BatchTimeColumn != "" && column == ds.BatchTimeColumn) {
				continue
			}

			seen[column] = true
		}
	}

	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}

	sort.Strings(columns)

	return columns
}

// rowData is the row minus the columns that map to system columns.
func rowData(ds *runbook.DataSource, row datasource.Row) map[string]string {
	data := make(map[string]string, len(row))

	for column, value := range row {
		if column == ds.PrimaryKey || (ds.BatchTimeColumn != "" && column == ds.BatchTimeColumn) {
			continue
		}

		data[column] = value
	}

	return data
}
