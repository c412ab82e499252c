package payments

import (
	"context"
	"errors"
	"time"

	"github.com/agrolink/rfq/internal/circuitbreaker"
	"github.com/agrolink/rfq/internal/retry"
)

const breakerKey = "payment_gateway"

// Guarded wraps a Gateway with a circuit breaker. Verification is a read
// and is retried with backoff; initialization is not retried.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker

	verifyAttempts int
	verifyDelay    time.Duration
}

var _ Gateway = (*Guarded)(nil)

// NewGuarded wraps next with breaker.
func NewGuarded(next Gateway, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{
		next:           next,
		breaker:        breaker,
		verifyAttempts: 3,
		verifyDelay:    200 * time.Millisecond,
	}
}

func (g *Guarded) InitializeCharge(ctx context.Context, c Charge) (string, error) {
	var url string
	err := g.breaker.Execute(breakerKey, func() error {
		var err error
		url, err = g.next.InitializeCharge(ctx, c)
		return err
	}, countsAsOutage)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", ErrGatewayUnavailable
	}
	return url, err
}

func (g *Guarded) VerifyCharge(ctx context.Context, reference string) (*Verification, error) {
	var v *Verification
	err := retry.Do(ctx, g.verifyAttempts, g.verifyDelay, func() error {
		err := g.breaker.Execute(breakerKey, func() error {
			var err error
			v, err = g.next.VerifyCharge(ctx, reference)
			return err
		}, countsAsOutage)
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(ErrGatewayUnavailable)
		case errors.Is(err, ErrUnknownReference):
			return retry.Permanent(err)
		}
		return err
	})
	return v, err
}

// Available reports whether the gateway circuit is accepting calls.
func (g *Guarded) Available() bool {
	return g.breaker.State(breakerKey) != circuitbreaker.StateOpen
}

// countsAsOutage excludes answers the gateway gave on purpose and callers
// that went away.
func countsAsOutage(err error) bool {
	return !errors.Is(err, ErrUnknownReference) && !errors.Is(err, context.Canceled)
}
