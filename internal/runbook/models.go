// Package runbook provides the runbook definition model: YAML deserialization,
// validation, the offset and duration grammars, due-time calculation, and
// template resolution for step parameters.
//
// A runbook describes one migration pipeline: a data-source query that
// discovers migrating members, optional batch-scoped init steps, time-offset
// phases of per-member steps, and named rollback sequences. Runbooks are
// versioned and immutable once stored; this package only deals with the
// parsed, in-memory form.
package runbook

type (
	// Definition is the parsed in-memory form of a runbook YAML document.
	//
	// Field names follow the YAML underscore convention. Unknown YAML keys
	// are ignored; missing required keys surface through Validate, not Parse.
	Definition struct {
		Name            string          `yaml:"name"`
		DataSource      DataSource      `yaml:"data_source"`
		Init            []Step          `yaml:"init"`
		Phases          []Phase         `yaml:"phases"`
		Rollbacks       map[string][]Step `yaml:"rollbacks"`
		OverdueBehavior OverdueBehavior `yaml:"overdue_behavior"`
		RerunInit       bool            `yaml:"rerun_init"`
	}

	// DataSource describes where members are discovered and how query rows
	// map onto batches.
	DataSource struct {
		// Type selects the data-source implementation (see SourceTypes).
		Type string `yaml:"type"`

		// Connection names the environment variable holding the connection
		// string (or file path, for file-backed sources). The value is
		// resolved at query time, never stored.
		Connection string `yaml:"connection"`

		// Query is passed verbatim to the data source.
		Query string `yaml:"query"`

		// PrimaryKey is the query column that uniquely identifies a member.
		PrimaryKey string `yaml:"primary_key"`

		// BatchTime selects grouping: "column" (default) groups rows by
		// BatchTimeColumn; "immediate" puts all rows in one batch anchored
		// at the current 5-minute boundary.
		BatchTime string `yaml:"batch_time"`

		// BatchTimeColumn is the RFC3339 timestamp column used in column
		// mode. Required unless BatchTime is "immediate".
		BatchTimeColumn string `yaml:"batch_time_column"`

		// MultiValuedColumns are normalized to JSON arrays before storage.
		MultiValuedColumns []MultiValuedColumn `yaml:"multi_valued_columns"`
	}

	// MultiValuedColumn declares a query column carrying multiple values in
	// a single cell and the format they arrive in.
	MultiValuedColumn struct {
		Name   string           `yaml:"name"`
		Format MultiValueFormat `yaml:"format"`
	}

	// Phase is a time-anchored slice of the pipeline. Offset is relative to
	// the batch start time ("T-5d" fires five days before the batch starts).
	Phase struct {
		Name   string `yaml:"name"`
		Offset string `yaml:"offset"`
		Steps  []Step `yaml:"steps"`
	}

	// Step is a single worker function invocation per member (or per batch,
	// for init and rollback steps) with templated parameters.
	Step struct {
		Name      string            `yaml:"name"`
		WorkerID  string            `yaml:"worker_id"`
		Function  string            `yaml:"function"`
		Params    map[string]string `yaml:"params"`
		OnFailure string            `yaml:"on_failure"`
		Poll      *Poll             `yaml:"poll"`

		// MaxRetries and RetryInterval override the retry defaults for this
		// step. RetryInterval uses the duration grammar ("30s", "5m").
		MaxRetries    *int   `yaml:"max_retries"`
		RetryInterval string `yaml:"retry_interval"`
	}

	// Poll turns a step into a polling step: after the first successful
	// dispatch reports {complete:false}, the step is re-invoked every
	// Interval until {complete:true} or Timeout elapses. Both use the
	// duration grammar.
	Poll struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	}

	// OverdueBehavior controls what happens to phases that are already past
	// due when a batch transitions to a new runbook version.
	OverdueBehavior string

	// MultiValueFormat enumerates the accepted encodings of multi-valued
	// columns in query results.
	MultiValueFormat string
)

// Recognized data-source types. The datasource package registers an
// implementation for each.
const (
	SourceTypePostgres = "postgres"
	SourceTypeCSV      = "csv"
)

// SourceTypes returns all recognized data-source type names.
func SourceTypes() []string {
	return []string{SourceTypePostgres, SourceTypeCSV}
}

// Batch-time grouping modes.
const (
	// BatchTimeByColumn groups rows by the RFC3339 value of BatchTimeColumn.
	BatchTimeByColumn = "column"

	// BatchTimeImmediate puts all rows in one batch whose start time is the
	// current UTC time rounded down to the nearest 5-minute boundary.
	BatchTimeImmediate = "immediate"
)

// IsImmediate reports whether the data source uses immediate batch grouping.
func (d *DataSource) IsImmediate() bool {
	return d.BatchTime == BatchTimeImmediate
}

const (
	// OverdueRerun re-creates overdue phases as pending so they fire on the
	// next tick.
	OverdueRerun OverdueBehavior = "rerun"

	// OverdueIgnore marks overdue phases as skipped.
	OverdueIgnore OverdueBehavior = "ignore"
)

// IsValid checks if the OverdueBehavior is a recognized value. The empty
// string is valid and defaults to rerun.
func (b OverdueBehavior) IsValid() bool {
	return b == "" || b == OverdueRerun || b == OverdueIgnore
}

// OrDefault returns the behavior itself, or OverdueRerun when unset.
func (b OverdueBehavior) OrDefault() OverdueBehavior {
	if b == "" {
		return OverdueRerun
	}

	return b
}

const (
	// FormatSemicolonDelimited splits cell values on ";".
	FormatSemicolonDelimited MultiValueFormat = "semicolon_delimited"

	// FormatCommaDelimited splits cell values on ",".
	FormatCommaDelimited MultiValueFormat = "comma_delimited"

	// FormatJSONArray expects the cell to already contain a JSON array.
	FormatJSONArray MultiValueFormat = "json_array"
)

// ValidMultiValueFormats returns all accepted multi-value formats.
func ValidMultiValueFormats() []MultiValueFormat {
	return []MultiValueFormat{FormatSemicolonDelimited, FormatCommaDelimited, FormatJSONArray}
}

// IsValid checks if the MultiValueFormat is a recognized value.
func (f MultiValueFormat) IsValid() bool {
	for _, valid := range ValidMultiValueFormats() {
		if f == valid {
			return true
		}
	}

	return false
}

// PhaseByName returns the named phase, or nil when the runbook has none.
func (d *Definition) PhaseByName(name string) *Phase {
	for i := range d.Phases {
		if d.Phases[i].Name == name {
			return &d.Phases[i]
		}
	}

	return nil
}

// RollbackOnRemoval names the reserved rollback sequence that runs against
// members dropping out of an active batch. Runbooks opt in by defining a
// sequence under this name.
const RollbackOnRemoval = "rollback_on_removal"

// Rollback returns the named rollback sequence, or nil when undefined.
func (d *Definition) Rollback(name string) []Step {
	if d.Rollbacks == nil {
		return nil
	}

	return d.Rollbacks[name]
}
