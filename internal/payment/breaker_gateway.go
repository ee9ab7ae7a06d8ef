package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/pkg/circuitbreaker"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/sony/gobreaker/v2"
)

// BreakerGateway bounds every call to the wrapped gateway with a timeout and
// a circuit breaker. Refusals do not count as breaker failures; only errors
// and timeouts do.
type BreakerGateway struct {
	next    Gateway
	timeout time.Duration
	charge  *gobreaker.CircuitBreaker[*Outcome]
	refund  *gobreaker.CircuitBreaker[*Outcome]
}

func NewBreakerGateway(next Gateway, timeout time.Duration, settings circuitbreaker.Settings, log logger.Logger) *BreakerGateway {
	chargeSettings := settings
	chargeSettings.Name = settings.Name + "-charge"
	refundSettings := settings
	refundSettings.Name = settings.Name + "-refund"

	return &BreakerGateway{
		next:    next,
		timeout: timeout,
		charge:  circuitbreaker.New[*Outcome](chargeSettings, log),
		refund:  circuitbreaker.New[*Outcome](refundSettings, log),
	}
}

func (g *BreakerGateway) ProcessPayment(ctx context.Context, req Request) (*Outcome, error) {
	out, err := g.charge.Execute(func() (*Outcome, error) {
		return g.bounded(ctx, func(callCtx context.Context) (*Outcome, error) {
			return g.next.ProcessPayment(callCtx, req)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("process payment: %w", err)
	}
	return out, nil
}

func (g *BreakerGateway) Refund(ctx context.Context, req RefundRequest) (*Outcome, error) {
	out, err := g.refund.Execute(func() (*Outcome, error) {
		return g.bounded(ctx, func(callCtx context.Context) (*Outcome, error) {
			return g.next.Refund(callCtx, req)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("refund payment: %w", err)
	}
	return out, nil
}

// bounded returns when fn does or when the timeout fires, whichever is first,
// even if fn ignores its context.
func (g *BreakerGateway) bounded(ctx context.Context, fn func(context.Context) (*Outcome, error)) (*Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		out *Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := fn(callCtx)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}
