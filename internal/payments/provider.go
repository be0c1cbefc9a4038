package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

var (
	// ErrNotConfigured is returned when no provider is registered for a gateway and mode, or the PSP
	// rejects the credentials.
	ErrNotConfigured = errors.New("payments: provider not configured")
	// ErrTransport wraps network failures, timeouts, PSP 5xx responses and open circuit breakers.
	ErrTransport = errors.New("payments: gateway unreachable")
	// ErrRejected wraps PSP rejections of the request payload.
	ErrRejected = errors.New("payments: request rejected by gateway")
)

// SessionRequest captures the payload required to open a payment session.
type SessionRequest struct {
	Amount         int64
	Currency       string
	ReceiptEmail   string
	CustomerName   string
	CustomerID     string
	SavedMethod    string
	SaveMethod     bool
	IdempotencyKey string
	Metadata       map[string]string
}

// Session is the PSP session handed to the client.
type Session struct {
	ID           string
	ClientSecret string
	RedirectURL  string
	ExpiresAt    time.Time
}

// LookupRequest identifies a payment to inspect.
type LookupRequest struct {
	ID string
}

// PaymentDetails normalises PSP specific fields. Amount is in storefront minor units.
type PaymentDetails struct {
	Provider      string
	IntentID      string
	Status        Status
	Amount        int64
	Currency      string
	CardBrand     string
	CardLast4     string
	PaymentMethod string
	Metadata      map[string]string
	FailureReason string
}

// Provider defines the contract PSP adapters implement.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// CustomerProvisioner is implemented by providers that attach sessions to PSP customers.
type CustomerProvisioner interface {
	EnsureCustomer(ctx context.Context, email, name string) (string, error)
}

// Key addresses a provider registration.
type Key struct {
	Gateway domain.Gateway
	Mode    domain.PaymentMode
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.Gateway, k.Mode) }

// Manager resolves the provider for a gateway and mode.
type Manager struct {
	providers map[Key]Provider
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager, map[Key]Provider)

// WithBreakers wraps every registered provider in a circuit breaker.
func WithBreakers(settings BreakerSettings) ManagerOption {
	return func(_ *Manager, providers map[Key]Provider) {
		for key, provider := range providers {
			providers[key] = NewBreakerProvider(key.String(), provider, settings)
		}
	}
}

// NewManager constructs a Manager. Nil providers are skipped so that unconfigured keys resolve to ErrNotConfigured.
func NewManager(providers map[Key]Provider, opts ...ManagerOption) (*Manager, error) {
	registered := make(map[Key]Provider, len(providers))
	for key, provider := range providers {
		if provider == nil {
			continue
		}
		if key.Gateway == "" || key.Mode == "" {
			return nil, fmt.Errorf("payments: invalid provider registration %q", key)
		}
		registered[key] = provider
	}
	m := &Manager{}
	for _, opt := range opts {
		if opt != nil {
			opt(m, registered)
		}
	}
	m.providers = registered
	return m, nil
}

// Resolve returns the provider for gateway and mode.
func (m *Manager) Resolve(gateway domain.Gateway, mode domain.PaymentMode) (Provider, error) {
	if m == nil {
		return nil, ErrNotConfigured
	}
	key := Key{Gateway: domain.Gateway(strings.ToLower(string(gateway))), Mode: domain.PaymentMode(strings.ToLower(string(mode)))}
	provider, ok := m.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, key)
	}
	return provider, nil
}

// Poll looks the payment up until it leaves the pending state or attempts are exhausted.
// The last observed details are returned either way.
func Poll(ctx context.Context, provider Provider, req LookupRequest, attempts int, interval time.Duration) (PaymentDetails, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var details PaymentDetails
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return details, ctx.Err()
			case <-timer.C:
			}
		}
		var err error
		details, err = provider.LookupPayment(ctx, req)
		if err != nil {
			return details, err
		}
		if details.Status != StatusPending {
			return details, nil
		}
	}
	return details, nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
