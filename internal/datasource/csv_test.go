package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutover-io/cutover/internal/runbook"
)

func writeCSVFixture(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestCSVSource_Query(t *testing.T) {
	path := writeCSVFixture(t, "user_id,region,aliases\nu1,eu,a@x;b@x\nu2,us,\n")
	t.Setenv("MEMBERS_CSV", path)

	ds := &runbook.DataSource{
		Type:       runbook.SourceTypeCSV,
		Connection: "MEMBERS_CSV",
		PrimaryKey: "user_id",
		MultiValuedColumns: []runbook.MultiValuedColumn{
			{Name: "aliases", Format: runbook.FormatSemicolonDelimited},
		},
	}

	rows, err := (&CSVSource{}).Query(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "u1", rows[0]["user_id"])
	assert.Equal(t, "eu", rows[0]["region"])
	assert.Equal(t, `["a@x","b@x"]`, rows[0]["aliases"])
	assert.Equal(t, `[]`, rows[1]["aliases"])
}

func TestCSVSource_Query_HeaderOnly(t *testing.T) {
	path := writeCSVFixture(t, "user_id,region\n")
	t.Setenv("MEMBERS_CSV", path)

	ds := &runbook.DataSource{Connection: "MEMBERS_CSV"}

	rows, err := (&CSVSource{}).Query(context.Background(), ds)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCSVSource_Query_MissingConnection(t *testing.T) {
	t.Setenv("MEMBERS_CSV", "")

	ds := &runbook.DataSource{Connection: "MEMBERS_CSV"}

	_, err := (&CSVSource{}).Query(context.Background(), ds)
	assert.ErrorIs(t, err, ErrMissingConnection)
}

func TestCSVSource_Query_ShortRecordPadsEmpty(t *testing.T) {
	path := writeCSVFixture(t, "user_id,region\nu1\n")
	t.Setenv("MEMBERS_CSV", path)

	ds := &runbook.DataSource{Connection: "MEMBERS_CSV"}

	rows, err := (&CSVSource{}).Query(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0]["region"])
}
