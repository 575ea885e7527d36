package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"courier/internal/domain"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(200))
}

func TestBackoffShouldAttempt(t *testing.T) {
	b := Backoff{Base: time.Minute, Max: time.Hour, MaxAttempts: 3}
	last := t0

	assert.True(t, b.ShouldAttempt(domain.RecipientProgress{Status: domain.RecipientPending}, t0))

	r := domain.RecipientProgress{Status: domain.RecipientFailed, Attempts: 1, LastAttemptAt: &last}
	assert.False(t, b.ShouldAttempt(r, t0.Add(30*time.Second)))
	assert.True(t, b.ShouldAttempt(r, t0.Add(time.Minute)))

	r.Attempts = 2
	assert.False(t, b.ShouldAttempt(r, t0.Add(time.Minute)))
	assert.True(t, b.ShouldAttempt(r, t0.Add(2*time.Minute)))

	r.Attempts = 3
	assert.False(t, b.ShouldAttempt(r, t0.Add(24*time.Hour)))
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{MaxAttempts: 3}
	assert.False(t, b.Exhausted(domain.RecipientProgress{Attempts: 2}))
	assert.True(t, b.Exhausted(domain.RecipientProgress{Attempts: 3}))
	assert.False(t, Backoff{}.Exhausted(domain.RecipientProgress{Attempts: 100}))
}

func TestUnlimitedAlwaysAttempts(t *testing.T) {
	r := domain.RecipientProgress{Status: domain.RecipientFailed, Attempts: 1000}
	assert.True(t, Unlimited{}.ShouldAttempt(r, t0))
}
