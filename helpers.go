package hubflow

import (
	"math/rand/v2"
	"time"
)

// ToPtr returns a pointer to the given value.
func ToPtr[T any](v T) *T {
	return &v
}

// CalculateBackoff calculates the delay before the next attempt.
//
//   - attempt is the number of attempts already made (1 after the first failure)
//   - the raw delay is BaseDelay * 2^(attempt-1), capped at MaxDelay
//   - with Jitter the result is drawn uniformly from [delay/2, delay]
//
// Returns 0 for attempt 0.
func CalculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	policy = policy.withDefaults()

	delay := policy.MaxDelay
	// Large attempts saturate at MaxDelay
	if attempt <= 31 {
		multiplier := time.Duration(1) << (attempt - 1)
		if raw := policy.BaseDelay * multiplier; raw > 0 && raw/multiplier == policy.BaseDelay && raw < delay {
			delay = raw
		}
	}

	if !policy.Jitter || delay <= 1 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rand.Int64N(int64(delay-half)+1))
}
