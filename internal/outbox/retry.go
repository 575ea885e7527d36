package outbox

import (
	"time"

	"courier/internal/domain"
)

// RetryPolicy decides whether a not-yet-sent recipient is attempted in the
// current drain. Declined recipients keep their status until a later drain.
type RetryPolicy interface {
	ShouldAttempt(r domain.RecipientProgress, now time.Time) bool
}

// Exhauster is implemented by policies that can give up on a recipient.
type Exhauster interface {
	Exhausted(r domain.RecipientProgress) bool
}

// Unlimited retries every outstanding recipient on every drain.
type Unlimited struct{}

func (Unlimited) ShouldAttempt(domain.RecipientProgress, time.Time) bool { return true }

// Backoff spaces retries exponentially from Base up to Max and stops after
// MaxAttempts. Zero values disable the corresponding limit.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b Backoff) ShouldAttempt(r domain.RecipientProgress, now time.Time) bool {
	if r.Attempts == 0 {
		return true
	}
	if b.Exhausted(r) {
		return false
	}
	if b.Base <= 0 || r.LastAttemptAt == nil {
		return true
	}
	return !now.Before(r.LastAttemptAt.Add(b.Delay(r.Attempts)))
}

func (b Backoff) Exhausted(r domain.RecipientProgress) bool {
	return b.MaxAttempts > 0 && r.Attempts >= b.MaxAttempts
}

// Delay is the wait after the given number of attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d <= 0 {
			// overflow
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
