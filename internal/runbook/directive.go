package runbook

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOnFailure is returned when a step's on_failure value is not a
// recognized directive.
var ErrInvalidOnFailure = errors.New("invalid on_failure directive")

type (
	// FailureAction enumerates what happens when a step terminally fails.
	FailureAction string

	// FailureDirective is a parsed on_failure value. Rollback is only set
	// when Action is FailureRollback and names a sequence in the runbook's
	// rollbacks map.
	FailureDirective struct {
		Action   FailureAction
		Rollback string
	}
)

const (
	// FailureRetry retries the step with backoff until max_retries. This is
	// the default when on_failure is absent.
	FailureRetry FailureAction = "retry"

	// FailureSkip marks the step failed but lets the member's chain and the
	// phase proceed.
	FailureSkip FailureAction = "skip"

	// FailureRollback marks the step failed and runs the named rollback
	// sequence against the failed member.
	FailureRollback FailureAction = "rollback"

	// FailureFailPhase marks the step failed and fails its phase.
	FailureFailPhase FailureAction = "fail_phase"

	// FailureFailBatch marks the step failed, fails the batch, and cancels
	// its remaining non-terminal executions.
	FailureFailBatch FailureAction = "fail_batch"
)

const rollbackPrefix = "rollback:"

// ParseOnFailure parses a step's on_failure value. The empty string parses
// to FailureRetry. Rollback directives use the form "rollback:<name>".
func ParseOnFailure(value string) (FailureDirective, error) {
	trimmed := strings.TrimSpace(value)

	switch trimmed {
	case "", string(FailureRetry):
		return FailureDirective{Action: FailureRetry}, nil
	case string(FailureSkip):
		return FailureDirective{Action: FailureSkip}, nil
	case string(FailureFailPhase):
		return FailureDirective{Action: FailureFailPhase}, nil
	case string(FailureFailBatch):
		return FailureDirective{Action: FailureFailBatch}, nil
	}

	if strings.HasPrefix(trimmed, rollbackPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, rollbackPrefix))
		if name == "" {
			return FailureDirective{}, fmt.Errorf("%w: %q names no rollback sequence", ErrInvalidOnFailure, value)
		}

		return FailureDirective{Action: FailureRollback, Rollback: name}, nil
	}

	return FailureDirective{}, fmt.Errorf("%w: %q", ErrInvalidOnFailure, value)
}
