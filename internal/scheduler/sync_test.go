package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutover-io/cutover/internal/datasource"
	"github.com/cutover-io/cutover/internal/runbook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func columnModeSource() *runbook.DataSource {
	return &runbook.DataSource{
		Type:            "csv",
		PrimaryKey:      "user_id",
		BatchTimeColumn: "cutover_at",
	}
}

func TestGroupRows_ColumnMode(t *testing.T) {
	rows := []datasource.Row{
		{"user_id": "u1", "cutover_at": "2030-01-12T00:00:00Z"},
		{"user_id": "u2", "cutover_at": "2030-01-10T00:00:00Z"},
		{"user_id": "u3", "cutover_at": "2030-01-12T00:00:00Z"},
		{"user_id": "u4", "cutover_at": "next tuesday"},
	}

	groups := groupRows(columnModeSource(), rows, time.Now(), testLogger())

	require.Len(t, groups, 2)

	assert.Equal(t, time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC), groups[0].startTime)
	require.Len(t, groups[0].rows, 1)
	assert.Equal(t, "u2", groups[0].rows[0]["user_id"])

	assert.Equal(t, time.Date(2030, 1, 12, 0, 0, 0, 0, time.UTC), groups[1].startTime)
	assert.Len(t, groups[1].rows, 2)
}

func TestGroupRows_ZoneOffsetsShareAGroup(t *testing.T) {
	rows := []datasource.Row{
		{"user_id": "u1", "cutover_at": "2030-01-10T02:00:00+02:00"},
		{"user_id": "u2", "cutover_at": "2030-01-10T00:00:00Z"},
	}

	groups := groupRows(columnModeSource(), rows, time.Now(), testLogger())

	require.Len(t, groups, 1)
	assert.Len(t, groups[0].rows, 2)
	assert.Equal(t, time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC), groups[0].startTime)
}

func TestGroupRows_ImmediateMode(t *testing.T) {
	ds := &runbook.DataSource{
		Type:       "csv",
		PrimaryKey: "user_id",
		BatchTime:  runbook.BatchTimeImmediate,
	}
	now := time.Date(2030, 1, 10, 14, 7, 33, 0, time.UTC)

	groups := groupRows(ds, []datasource.Row{{"user_id": "u1"}, {"user_id": "u2"}}, now, testLogger())

	require.Len(t, groups, 1)
	assert.Equal(t, time.Date(2030, 1, 10, 14, 5, 0, 0, time.UTC), groups[0].startTime)
	assert.Len(t, groups[0].rows, 2)
}

func TestGroupRows_NoRows(t *testing.T) {
	assert.Nil(t, groupRows(columnModeSource(), nil, time.Now(), testLogger()))
}

func TestDataColumns_ExcludesSystemMappedColumns(t *testing.T) {
	rows := []datasource.Row{
		{"user_id": "u1", "cutover_at": "x", "region": "eu"},
		{"user_id": "u2", "cutover_at": "y", "quota": "10"},
	}

	columns := dataColumns(columnModeSource(), rows)

	assert.Equal(t, []string{"quota", "region"}, columns)
}

func TestRowData_KeepsOnlyDataColumns(t *testing.T) {
	row := datasource.Row{"user_id": "u1", "cutover_at": "2030-01-10T00:00:00Z", "region": "eu"}

	data := rowData(columnModeSource(), row)

	assert.Equal(t, map[string]string{"region": "eu"}, data)
}

func TestEncodeRow_KeepsEveryColumn(t *testing.T) {
	row := datasource.Row{"user_id": "u1", "region": "eu"}

	assert.JSONEq(t, `{"user_id":"u1","region":"eu"}`, encodeRow(row))
}
