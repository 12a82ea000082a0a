package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cutover-io/cutover/internal/runbook"
)

func TestNormalize_PassesThroughWithoutDeclarations(t *testing.T) {
	ds := &runbook.DataSource{}
	raw := map[string]string{"user_id": "u1", "aliases": "a;b"}

	row := Normalize(ds, raw)

	assert.Equal(t, "a;b", row["aliases"])
}

func TestNormalize_MultiValuedColumns(t *testing.T) {
	tests := []struct {
		name   string
		format runbook.MultiValueFormat
		value  string
		want   string
	}{
		{
			name:   "semicolon delimited",
			format: runbook.FormatSemicolonDelimited,
			value:  "alice@a.example; bob@a.example;",
			want:   `["alice@a.example","bob@a.example"]`,
		},
		{
			name:   "comma delimited",
			format: runbook.FormatCommaDelimited,
			value:  "eu, us",
			want:   `["eu","us"]`,
		},
		{
			name:   "json array passes through compacted",
			format: runbook.FormatJSONArray,
			value:  `[ "eu", "us" ]`,
			want:   `["eu","us"]`,
		},
		{
			name:   "invalid json array wraps as single element",
			format: runbook.FormatJSONArray,
			value:  "not-json",
			want:   `["not-json"]`,
		},
		{
			name:   "empty cell becomes empty array",
			format: runbook.FormatSemicolonDelimited,
			value:  "",
			want:   `[]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := &runbook.DataSource{
				MultiValuedColumns: []runbook.MultiValuedColumn{{Name: "aliases", Format: tt.format}},
			}

			row := Normalize(ds, map[string]string{"user_id": "u1", "aliases": tt.value})

			assert.Equal(t, tt.want, row["aliases"])
			assert.Equal(t, "u1", row["user_id"], "undeclared columns must not change")
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	registry := NewRegistry()

	postgres, err := registry.Lookup(runbook.SourceTypePostgres)
	assert.NoError(t, err)
	assert.NotNil(t, postgres)

	csvSource, err := registry.Lookup(runbook.SourceTypeCSV)
	assert.NoError(t, err)
	assert.NotNil(t, csvSource)

	_, err = registry.Lookup("ldap")
	assert.ErrorIs(t, err, ErrUnknownSourceType)
}
