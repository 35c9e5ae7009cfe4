package tablesync

import (
	"math"
	"strings"
	"time"
)

// RetryPolicy returns the delay to wait before the given retry attempt (1-based).
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff always waits Interval.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration { return b.Interval }

// ExponentialBackoff doubles Initial on every attempt up to Max (no cap when Max is 0).
// The delay stops growing before it would overflow.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

const maxDelay = time.Duration(math.MaxInt64)

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	limit := maxDelay
	if b.Max > 0 {
		limit = b.Max
	}
	d := b.Initial
	if d <= 0 || d >= limit {
		if d <= 0 {
			return d
		}
		return limit
	}
	for i := 1; i < attempt; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}

// NewRetryPolicy builds a policy by name ("fixed" or "exponential").
func NewRetryPolicy(name string, delay, max time.Duration) RetryPolicy {
	if strings.EqualFold(name, "fixed") {
		return FixedBackoff{Interval: delay}
	}
	return ExponentialBackoff{Initial: delay, Max: max}
}
