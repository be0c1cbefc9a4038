package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings tunes the per-provider circuit breakers.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open before probing again. Zero means 30s.
	Cooldown time.Duration
	// OnStateChange observes transitions, e.g. for logging.
	OnStateChange func(name string, from, to gobreaker.State)
}

// BreakerProvider guards a Provider with a circuit breaker. Only transport failures count against
// the breaker; rejections mean the gateway is up and answering.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerProvider wraps inner.
func NewBreakerProvider(name string, inner Provider, settings BreakerSettings) *BreakerProvider {
	failures := settings.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := settings.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransport)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: settings.OnStateChange,
	})
	return &BreakerProvider{inner: inner, breaker: cb}
}

// Name returns the wrapped provider name.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// State exposes the breaker state for diagnostics.
func (p *BreakerProvider) State() gobreaker.State { return p.breaker.State() }

// CreateSession delegates through the breaker.
func (p *BreakerProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	return guarded(p.breaker, func() (Session, error) { return p.inner.CreateSession(ctx, req) })
}

// LookupPayment delegates through the breaker.
func (p *BreakerProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	return guarded(p.breaker, func() (PaymentDetails, error) { return p.inner.LookupPayment(ctx, req) })
}

// EnsureCustomer delegates through the breaker when the wrapped provider manages customers.
func (p *BreakerProvider) EnsureCustomer(ctx context.Context, email, name string) (string, error) {
	provisioner, ok := p.inner.(CustomerProvisioner)
	if !ok {
		return "", nil
	}
	return guarded(p.breaker, func() (string, error) { return provisioner.EnsureCustomer(ctx, email, name) })
}

func guarded[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	result, err := cb.Execute(func() (any, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", ErrTransport, cb.Name(), err)
	}
	value, _ := result.(T)
	return value, err
}
