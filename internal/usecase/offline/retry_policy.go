package offline

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	domain "civicsync/internal/domain/offline"
)

// RetryPolicy decides when a failed action may be replayed again and when it
// stops being replayed automatically.
type RetryPolicy struct {
	// MaxAttempts is the retry ceiling; zero or less means never dead-letter.
	MaxAttempts int
	// Backoff returns the wait after the n-th failure (n >= 1). Nil means no wait.
	Backoff func(retryCount int) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(2*time.Second, 5*time.Minute, 2),
	}
}

// ExponentialBackoff grows the wait by multiplier per failure, capped at max.
// Jitter is disabled so the schedule is reproducible across restarts.
func ExponentialBackoff(initial, max time.Duration, multiplier float64) func(int) time.Duration {
	if multiplier < 1 {
		multiplier = 2
	}
	return func(retryCount int) time.Duration {
		if retryCount <= 0 || initial <= 0 {
			return 0
		}
		b := &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: 0,
			Multiplier:          multiplier,
			MaxInterval:         max,
		}
		b.Reset()

		// The interval saturates at MaxInterval long before 64 steps.
		steps := min(retryCount, 64)
		var d time.Duration
		for range steps {
			d = b.NextBackOff()
		}
		return d
	}
}

func (p RetryPolicy) Exhausted(a domain.QueuedAction) bool {
	return a.Exhausted(p.MaxAttempts)
}

// NextAttemptAt is the earliest replay time of a, or zero when it is due now.
func (p RetryPolicy) NextAttemptAt(a domain.QueuedAction) time.Time {
	if p.Backoff == nil || a.RetryCount == 0 || a.LastAttemptAt == nil {
		return time.Time{}
	}
	return a.LastAttemptAt.Add(p.Backoff(a.RetryCount))
}

func (p RetryPolicy) Due(a domain.QueuedAction, now time.Time) bool {
	next := p.NextAttemptAt(a)
	return next.IsZero() || !now.Before(next)
}
