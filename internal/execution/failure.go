package execution

import (
	"time"

	"github.com/cutover-io/cutover/internal/runbook"
)

// FailureOutcome is what a failed (or timed-out) execution does next.
type FailureOutcome string

const (
	// OutcomeRetry moves the execution back to pending and schedules a
	// retry-check at RetryAt.
	OutcomeRetry FailureOutcome = "retry"

	// OutcomeFail marks the execution terminally failed. The member's
	// chain stops there but the phase proceeds.
	OutcomeFail FailureOutcome = "fail"

	// OutcomeRollback marks the execution terminally failed and runs the
	// named rollback sequence against the member.
	OutcomeRollback FailureOutcome = "rollback"

	// OutcomeFailPhase marks the execution terminally failed and fails
	// its phase.
	OutcomeFailPhase FailureOutcome = "fail_phase"

	// OutcomeFailBatch marks the execution terminally failed, fails the
	// batch, and cancels its remaining non-terminal executions.
	OutcomeFailBatch FailureOutcome = "fail_batch"
)

// FailureDecision is the resolved plan for one failure event.
type FailureDecision struct {
	Outcome FailureOutcome

	// NextRetry and RetryAt are set for OutcomeRetry.
	NextRetry int
	RetryAt   time.Time

	// Rollback names the sequence for OutcomeRollback.
	Rollback string

	// Throttled records that the retry was granted by the throttle policy
	// rather than the step's own budget.
	Throttled bool
}

// FailureInput describes the failed execution. MaxRetries nil means the
// default budget.
type FailureInput struct {
	OnFailure        string
	RetryCount       int
	MaxRetries       *int
	RetryIntervalSec int
	Throttled        bool
}

// DecideFailure resolves what a failed execution does next.
//
// Throttled failures are retryable regardless of the step's directive or
// remaining budget, up to ThrottleRetryCap; a worker shedding load is not a
// step failure. Past the cap, or for genuine failures, the on_failure
// directive governs: retry until the budget is exhausted, then fail (plus
// the directive's side effect). Retry delays are exponential with jitter.
func DecideFailure(in FailureInput, now time.Time) FailureDecision {
	if in.Throttled && in.RetryCount < ThrottleRetryCap {
		return retryDecision(in, now, true)
	}

	directive, err := runbook.ParseOnFailure(in.OnFailure)
	if err != nil {
		// Stored directives passed validation; an unreadable one gets the
		// default treatment.
		directive = runbook.FailureDirective{Action: runbook.FailureRetry}
	}

	switch directive.Action {
	case runbook.FailureRetry:
		if in.RetryCount < effectiveMaxRetries(in.MaxRetries) {
			return retryDecision(in, now, false)
		}

		return FailureDecision{Outcome: OutcomeFail}
	case runbook.FailureSkip:
		return FailureDecision{Outcome: OutcomeFail}
	case runbook.FailureRollback:
		return FailureDecision{Outcome: OutcomeRollback, Rollback: directive.Rollback}
	case runbook.FailureFailPhase:
		return FailureDecision{Outcome: OutcomeFailPhase}
	case runbook.FailureFailBatch:
		return FailureDecision{Outcome: OutcomeFailBatch}
	default:
		return FailureDecision{Outcome: OutcomeFail}
	}
}

func retryDecision(in FailureInput, now time.Time, throttled bool) FailureDecision {
	next := in.RetryCount + 1

	return FailureDecision{
		Outcome:   OutcomeRetry,
		NextRetry: next,
		RetryAt:   now.Add(Backoff(next, RetryBase(in.RetryIntervalSec))),
		Throttled: throttled,
	}
}
