package engine

import (
	"time"

	"github.com/sicko7947/hubflow"
)

// retryAt returns when the attempt after the given one may start
func retryAt(now time.Time, step *hubflow.StepDefinition, attempt int) (time.Time, time.Duration) {
	delay := hubflow.CalculateBackoff(step.EffectiveRetry(), attempt)
	return now.Add(delay), delay
}

// finalFailure reports whether a failed attempt exhausts the step
func finalFailure(step *hubflow.StepDefinition, attempt int, kind hubflow.ErrorKind) bool {
	return kind == hubflow.KindPermanent || attempt >= step.EffectiveRetry().MaxAttempts
}
