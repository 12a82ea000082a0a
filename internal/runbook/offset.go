package runbook

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Sentinel errors for the offset and duration grammars.
var (
	// ErrInvalidOffset is returned when an offset string does not match the
	// T-<n><u> grammar.
	ErrInvalidOffset = errors.New("invalid offset: expected T-<n><u> with unit d, h, m or s")

	// ErrInvalidDuration is returned when a duration string does not match
	// the <n><u> grammar.
	ErrInvalidDuration = errors.New("invalid duration: expected <n><u> with unit d, h, m or s")
)

const (
	minutesPerDay  = 24 * 60
	minutesPerHour = 60
	secondsPerDay  = 24 * 60 * 60
	secondsPerHour = 60 * 60
	secondsPerMin  = 60
)

// Offset grammar: T-<n><u>. The unit may only be omitted for T-0.
var offsetPattern = regexp.MustCompile(`^T-(\d+)([dhms])?$`)

// Duration grammar: <n><u>, no T- prefix.
var durationPattern = regexp.MustCompile(`^(\d+)([dhms])$`)

// ParseOffset parses a phase offset ("T-5d", "T-90m", "T-0") into whole
// minutes before the batch start time. Seconds round up to the next minute,
// so "T-1s" is one minute. The leading sign is always "-": an offset of n
// minutes means the phase fires at batch_start_time - n minutes, and "T-0"
// fires exactly at the batch start.
func ParseOffset(offset string) (int, error) {
	matches := offsetPattern.FindStringSubmatch(offset)
	if matches == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, offset)
	}

	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, offset)
	}

	unit := matches[2]
	if unit == "" {
		// Bare T-<n> is only meaningful for zero.
		if n != 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, offset)
		}

		return 0, nil
	}

	switch unit {
	case "d":
		return n * minutesPerDay, nil
	case "h":
		return n * minutesPerHour, nil
	case "m":
		return n, nil
	case "s":
		// Round up: a one-second preamble still needs a whole scheduler slot.
		return (n + secondsPerMin - 1) / secondsPerMin, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, offset)
	}
}

// RenderOffset renders a minute count back into the offset grammar.
// RenderOffset(ParseOffset(x)) parses to the same minute count as x.
func RenderOffset(minutes int) string {
	if minutes <= 0 {
		return "T-0"
	}

	return fmt.Sprintf("T-%dm", minutes)
}

// ParseStepDuration parses a poll interval/timeout or retry interval
// ("30s", "5m", "2h") into whole seconds. Empty strings parse to zero.
func ParseStepDuration(duration string) (int, error) {
	if duration == "" {
		return 0, nil
	}

	matches := durationPattern.FindStringSubmatch(duration)
	if matches == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, duration)
	}

	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, duration)
	}

	switch matches[2] {
	case "d":
		return n * secondsPerDay, nil
	case "h":
		return n * secondsPerHour, nil
	case "m":
		return n * secondsPerMin, nil
	case "s":
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, duration)
	}
}

// CalculateDueAt computes when a phase fires: batch_start_time minus the
// offset. Callers must not invoke this for manual batches (null start time);
// their phases have no due time and are advanced explicitly.
func CalculateDueAt(batchStartTime time.Time, offsetMinutes int) time.Time {
	return batchStartTime.Add(-time.Duration(offsetMinutes) * time.Minute)
}
