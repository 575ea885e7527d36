package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"courier/internal/domain"
)

type countingSender struct {
	calls int
	err   error
}

func (c *countingSender) Send(ctx context.Context, env domain.SecureEnvelope) error {
	c.calls++
	return c.err
}

func TestGuardedPassesThrough(t *testing.T) {
	next := &countingSender{}
	g := &Guarded{Next: next}

	require.NoError(t, g.Send(context.Background(), domain.SecureEnvelope{RecipientID: "bob"}))
	assert.Equal(t, 1, next.calls)
}

func TestGuardedWrapsErrorsAsTransport(t *testing.T) {
	next := &countingSender{err: errors.New("connection reset")}
	g := &Guarded{Next: next}

	err := g.Send(context.Background(), domain.SecureEnvelope{})
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestGuardedBreakerOpensAfterFailures(t *testing.T) {
	next := &countingSender{err: errors.New("503")}
	g := &Guarded{
		Next:    next,
		Breaker: NewBreaker(BreakerSettings{Name: "test", ConsecutiveFailures: 2, OpenTimeout: time.Minute}),
	}

	for i := 0; i < 2; i++ {
		assert.Error(t, g.Send(context.Background(), domain.SecureEnvelope{}))
	}
	err := g.Send(context.Background(), domain.SecureEnvelope{})
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, 2, next.calls)
}

func TestGuardedRateLimitExhausted(t *testing.T) {
	next := &countingSender{}
	g := &Guarded{
		Next:      next,
		Limiter:   rate.NewLimiter(rate.Every(time.Hour), 1),
		LimitWait: 10 * time.Millisecond,
	}

	require.NoError(t, g.Send(context.Background(), domain.SecureEnvelope{}))
	err := g.Send(context.Background(), domain.SecureEnvelope{})
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, 1, next.calls)
}
