package runbook

import (
	"fmt"
)

// Validate checks a parsed definition against the runbook contract and
// returns every finding instead of stopping at the first, so the admin
// surface can report the full list in one 400 response.
func Validate(def *Definition) []error {
	var errs []error

	if def.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}

	errs = append(errs, validateDataSource(&def.DataSource)...)

	if !def.OverdueBehavior.IsValid() {
		errs = append(errs, fmt.Errorf("overdue_behavior %q must be %q or %q",
			def.OverdueBehavior, OverdueRerun, OverdueIgnore))
	}

	errs = append(errs, validateSteps("init", def.Init, def)...)

	phaseNames := make(map[string]bool, len(def.Phases))

	for i := range def.Phases {
		phase := &def.Phases[i]
		scope := fmt.Sprintf("phases[%d]", i)

		if phase.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", scope))
		} else {
			if phaseNames[phase.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate phase name %q", scope, phase.Name))
			}

			phaseNames[phase.Name] = true
			scope = fmt.Sprintf("phases[%d] %q", i, phase.Name)
		}

		if _, err := ParseOffset(phase.Offset); err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", scope, err))
		}

		if len(phase.Steps) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one step is required", scope))
		}

		errs = append(errs, validateSteps(scope, phase.Steps, def)...)
	}

	for name, steps := range def.Rollbacks {
		if name == "" {
			errs = append(errs, fmt.Errorf("rollbacks: sequence name is required"))
		}

		if len(steps) == 0 {
			errs = append(errs, fmt.Errorf("rollbacks[%s]: at least one step is required", name))
		}

		errs = append(errs, validateSteps(fmt.Sprintf("rollbacks[%s]", name), steps, def)...)
	}

	return errs
}

func validateDataSource(ds *DataSource) []error {
	var errs []error

	if ds.Type == "" {
		errs = append(errs, fmt.Errorf("data_source.type is required"))
	} else if !recognizedSourceType(ds.Type) {
		errs = append(errs, fmt.Errorf("data_source.type %q is not recognized (valid: %v)", ds.Type, SourceTypes()))
	}

	if ds.PrimaryKey == "" {
		errs = append(errs, fmt.Errorf("data_source.primary_key is required"))
	}

	switch ds.BatchTime {
	case "", BatchTimeByColumn:
		if ds.BatchTimeColumn == "" {
			errs = append(errs, fmt.Errorf("data_source.batch_time_column is required unless batch_time is %q", BatchTimeImmediate))
		}
	case BatchTimeImmediate:
		// No column needed.
	default:
		errs = append(errs, fmt.Errorf("data_source.batch_time %q must be %q or %q",
			ds.BatchTime, BatchTimeByColumn, BatchTimeImmediate))
	}

	for i, col := range ds.MultiValuedColumns {
		if col.Name == "" {
			errs = append(errs, fmt.Errorf("data_source.multi_valued_columns[%d]: name is required", i))
		}

		if !col.Format.IsValid() {
			errs = append(errs, fmt.Errorf("data_source.multi_valued_columns[%d] %q: format %q is not recognized (valid: %v)",
				i, col.Name, col.Format, ValidMultiValueFormats()))
		}
	}

	return errs
}

// validateSteps checks one step list (init, phase, or rollback). Step names
// must be unique within their list because the store keys step executions by
// (phase_execution, member, step_name).
func validateSteps(scope string, steps []Step, def *Definition) []error {
	var errs []error

	names := make(map[string]bool, len(steps))

	for i, step := range steps {
		stepScope := fmt.Sprintf("%s.steps[%d]", scope, i)
		if step.Name != "" {
			stepScope = fmt.Sprintf("%s.steps[%d] %q", scope, i, step.Name)
		}

		if step.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", stepScope))
		} else if names[step.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate step name %q", stepScope, step.Name))
		}

		names[step.Name] = true

		if step.WorkerID == "" {
			errs = append(errs, fmt.Errorf("%s: worker_id is required", stepScope))
		}

		if step.Function == "" {
			errs = append(errs, fmt.Errorf("%s: function is required", stepScope))
		}

		directive, err := ParseOnFailure(step.OnFailure)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", stepScope, err))
		} else if directive.Action == FailureRollback && def.Rollback(directive.Rollback) == nil {
			errs = append(errs, fmt.Errorf("%s: on_failure references undefined rollback sequence %q",
				stepScope, directive.Rollback))
		}

		if step.Poll != nil {
			interval, err := ParseStepDuration(step.Poll.Interval)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: poll.interval: %v", stepScope, err))
			} else if interval <= 0 {
				errs = append(errs, fmt.Errorf("%s: poll.interval must be positive", stepScope))
			}

			timeout, err := ParseStepDuration(step.Poll.Timeout)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: poll.timeout: %v", stepScope, err))
			} else if timeout <= 0 {
				errs = append(errs, fmt.Errorf("%s: poll.timeout must be positive", stepScope))
			}
		}

		if step.MaxRetries != nil && *step.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s: max_retries must not be negative", stepScope))
		}

		if _, err := ParseStepDuration(step.RetryInterval); err != nil {
			errs = append(errs, fmt.Errorf("%s: retry_interval: %v", stepScope, err))
		}
	}

	return errs
}

func recognizedSourceType(sourceType string) bool {
	for _, valid := range SourceTypes() {
		if sourceType == valid {
			return true
		}
	}

	return false
}
