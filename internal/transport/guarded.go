// Package transport wraps an envelope transport with a per-process rate
// limit and a circuit breaker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"courier/internal/domain"
	"courier/internal/observability"
)

type Sender interface {
	Send(ctx context.Context, env domain.SecureEnvelope) error
}

type Guarded struct {
	Next    Sender
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	// SendTimeout bounds a single send; zero means no extra bound.
	SendTimeout time.Duration
	// LimitWait bounds how long a send waits for a rate-limit token.
	LimitWait time.Duration
}

type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreaker(s BreakerSettings) *gobreaker.CircuitBreaker {
	failures := s.ConsecutiveFailures
	if failures == 0 {
		failures = 10
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 3,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
	})
}

// Send fails with domain.ErrTransport when the limiter or the breaker refuse
// the call, so the outbox records it like any other retryable failure.
func (g *Guarded) Send(ctx context.Context, env domain.SecureEnvelope) error {
	if g.Limiter != nil {
		wait := g.LimitWait
		if wait <= 0 {
			wait = 2 * time.Second
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err := g.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.TransportSends.WithLabelValues("rate_limited_local").Inc()
			return fmt.Errorf("%w: rate limited: %v", domain.ErrTransport, err)
		}
	}

	start := time.Now()
	err := g.execute(ctx, env)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.TransportSends.WithLabelValues("cb_open").Inc()
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	case err != nil:
		observability.TransportSends.WithLabelValues("error").Inc()
		if errors.Is(err, domain.ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	observability.TransportSends.WithLabelValues("ok").Inc()
	observability.TransportLatency.Observe(time.Since(start).Seconds())
	return nil
}

func (g *Guarded) execute(ctx context.Context, env domain.SecureEnvelope) error {
	call := func() (any, error) {
		sendCtx := ctx
		if g.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, g.SendTimeout)
			defer cancel()
		}
		return nil, g.Next.Send(sendCtx, env)
	}
	if g.Breaker == nil {
		_, err := call()
		return err
	}
	_, err := g.Breaker.Execute(call)
	return err
}
