package outbox

import (
	"math"
	"time"

	"casework/internal/config"
)

// RetryPolicy computes backoff for failed outbox rows:
// delay = min(initialDelay * multiplier^(attempts-1), maxDelay).
// Immutable; constructed once from config and passed in.
type RetryPolicy struct {
	MaxAttempts  int
	Multiplier   float64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		Multiplier:   cfg.Multiplier,
		InitialDelay: cfg.InitialDelay.Std(),
		MaxDelay:     cfg.MaxDelay.Std(),
	}
}

// NextAttemptAt returns when a row that has now failed attemptCount times may
// run again, or nil when the ceiling is reached and the row must stay failed.
func (p RetryPolicy) NextAttemptAt(attemptCount int, now time.Time) *time.Time {
	if p.MaxAttempts > 0 && attemptCount >= p.MaxAttempts {
		return nil
	}
	delay := float64(p.InitialDelay)
	for attempt := 1; attempt < attemptCount; attempt++ {
		delay *= p.Multiplier
	}
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	next := now.Add(time.Duration(math.Round(delay)))
	return &next
}
