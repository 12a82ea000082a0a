package runbook

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for runbook deserialization and validation. The admin
// surface maps both to 400 responses; the scheduler records them on the
// runbook's last_error and skips the runbook for the tick.
var (
	// ErrParse is returned when the YAML document cannot be deserialized.
	ErrParse = errors.New("runbook parse failed")

	// ErrValidation is returned (wrapped around the individual findings)
	// when a parsed definition violates the runbook contract.
	ErrValidation = errors.New("runbook validation failed")
)

// Parse deserializes a runbook YAML document. Unknown keys are ignored;
// structural problems (bad YAML, wrong types) surface as ErrParse. Missing
// required fields are a Validate concern, not a Parse concern.
func Parse(data []byte) (*Definition, error) {
	var def Definition

	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	return &def, nil
}

// ParseAndValidate is the combined entry point used by the admin surface and
// the scheduler: parse, then validate, joining all findings into one error.
func ParseAndValidate(data []byte) (*Definition, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if errs := Validate(def); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}

	return def, nil
}
