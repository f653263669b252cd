// Package resilience provides generic retry and circuit-breaking helpers,
// adapted from the teacher's libs/go/core/resilience package.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var retryMetrics = newRetryInstruments()

type retryInstruments struct {
	attempts  metric.Int64Counter
	succeeded metric.Int64Counter
	exhausted metric.Int64Counter
}

func newRetryInstruments() retryInstruments {
	meter := otel.Meter("orchestrator")
	attempts, _ := meter.Int64Counter("orchestrator_retry_attempts_total")
	succeeded, _ := meter.Int64Counter("orchestrator_retry_success_total")
	exhausted, _ := meter.Int64Counter("orchestrator_retry_fail_total")
	return retryInstruments{attempts: attempts, succeeded: succeeded, exhausted: exhausted}
}

// backoffSchedule returns the capped exponential delay for the given
// zero-based attempt index: initial, initial*2, initial*4, ... up to cap.
// Shifting by attempt rather than mutating a running counter keeps each
// call's delay a pure function of its position in the sequence.
func backoffSchedule(initial, ceiling time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return initial
	}
	// Guard against overflow from a large attempt count: once the shift
	// would already exceed the ceiling, stop computing and return it.
	const maxShift = 20
	if attempt > maxShift {
		return ceiling
	}
	d := initial << uint(attempt)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// fullJitter returns a random duration uniformly drawn from [0, d].
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Retry calls fn up to attempts times, sleeping between failures for a
// capped-exponential, fully-jittered backoff seeded from delay. It
// returns as soon as fn succeeds, or the last error once attempts are
// exhausted. Every call and its outcome feed the package's retry
// counters so dashboards can distinguish a flaky dependency from a dead
// one.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	const maxBackoff = 60 * time.Second
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn()
		retryMetrics.attempts.Add(ctx, 1)
		if err == nil {
			retryMetrics.succeeded.Add(ctx, 1)
			return result, nil
		}
		lastErr = err

		isLastAttempt := attempt == attempts-1
		if isLastAttempt {
			break
		}

		wait := fullJitter(backoffSchedule(delay, maxBackoff, attempt))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			retryMetrics.exhausted.Add(ctx, 1)
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	retryMetrics.exhausted.Add(ctx, 1)
	return zero, lastErr
}
