package datasource

import (
	"encoding/json"
	"strings"

	"github.com/cutover-io/cutover/internal/runbook"
)

// Normalize applies the runbook's multi-value declarations to a raw row,
// rewriting declared columns as JSON arrays. Undeclared columns pass
// through untouched.
func Normalize(ds *runbook.DataSource, raw map[string]string) Row {
	if len(ds.MultiValuedColumns) == 0 {
		return Row(raw)
	}

	row := make(Row, len(raw))
	for column, value := range raw {
		row[column] = value
	}

	for _, declared := range ds.MultiValuedColumns {
		value, ok := row[declared.Name]
		if !ok {
			continue
		}

		row[declared.Name] = normalizeMultiValue(declared.Format, value)
	}

	return row
}

// normalizeMultiValue renders a multi-valued cell as a JSON array string.
func normalizeMultiValue(format runbook.MultiValueFormat, value string) string {
	switch format {
	case runbook.FormatSemicolonDelimited:
		return marshalParts(splitTrimmed(value, ";"))
	case runbook.FormatCommaDelimited:
		return marshalParts(splitTrimmed(value, ","))
	case runbook.FormatJSONArray:
		var parsed []json.RawMessage
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			compact, err := json.Marshal(parsed)
			if err == nil {
				return string(compact)
			}
		}

		// Not a valid array; keep the value as a single element.
		return marshalParts([]string{value})
	default:
		return value
	}
}

// splitTrimmed splits on the separator, trims whitespace, and drops empty
// parts. An empty cell yields an empty slice.
func splitTrimmed(value, separator string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	parts := strings.Split(value, separator)
	trimmed := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			trimmed = append(trimmed, part)
		}
	}

	return trimmed
}

func marshalParts(parts []string) string {
	if parts == nil {
		parts = []string{}
	}

	data, err := json.Marshal(parts)
	if err != nil {
		return "[]"
	}

	return string(data)
}
