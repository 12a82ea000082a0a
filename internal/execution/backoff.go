package execution

import (
	"math/rand/v2"
	"time"
)

// Retry policy defaults. Runbook steps override the budget and base interval
// per step; the throttle cap and backoff ceiling are fixed.
const (
	// DefaultMaxRetries is the retry budget when a step sets none.
	DefaultMaxRetries = 3

	// DefaultRetryInterval is the backoff base when a step sets none.
	DefaultRetryInterval = 60 * time.Second

	// ThrottleRetryCap bounds retries of throttled jobs, which otherwise
	// ignore the step's retry budget.
	ThrottleRetryCap = 10

	// MaxBackoff clamps the retry delay.
	MaxBackoff = 24 * time.Hour

	// maxBackoffShift keeps the exponential factor out of overflow range
	// before the clamp applies.
	maxBackoffShift = 30
)

// Backoff returns the delay before the given retry attempt: base interval
// doubled per prior attempt, with ±20% jitter, clamped at MaxBackoff. The
// first retry (retryCount=1) waits roughly the base interval.
func Backoff(retryCount int, baseInterval time.Duration) time.Duration {
	if baseInterval <= 0 {
		baseInterval = DefaultRetryInterval
	}

	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}

	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := baseInterval << shift
	if delay <= 0 || delay > MaxBackoff {
		delay = MaxBackoff
	}

	jittered := time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
	if jittered > MaxBackoff {
		jittered = MaxBackoff
	}

	return jittered
}

// RetryBase converts a step's stored retry interval to a duration, falling
// back to the default when unset.
func RetryBase(retryIntervalSec int) time.Duration {
	if retryIntervalSec <= 0 {
		return DefaultRetryInterval
	}

	return time.Duration(retryIntervalSec) * time.Second
}
