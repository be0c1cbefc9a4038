package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
)

type fakeProvider struct {
	name     string
	session  Session
	details  []PaymentDetails
	err      error
	calls    int
	lookups  int
	lastReq  SessionRequest
	customer string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	f.calls++
	f.lastReq = req
	return f.session, f.err
}

func (f *fakeProvider) LookupPayment(context.Context, LookupRequest) (PaymentDetails, error) {
	f.lookups++
	if f.err != nil {
		return PaymentDetails{}, f.err
	}
	if len(f.details) == 0 {
		return PaymentDetails{Status: StatusPending}, nil
	}
	idx := f.lookups - 1
	if idx >= len(f.details) {
		idx = len(f.details) - 1
	}
	return f.details[idx], nil
}

func (f *fakeProvider) EnsureCustomer(context.Context, string, string) (string, error) {
	return f.customer, f.err
}

func TestManagerResolveByGatewayAndMode(t *testing.T) {
	cardTest := &fakeProvider{name: "stripe-test"}
	cardLive := &fakeProvider{name: "stripe-live"}
	wallet := &fakeProvider{name: "flouci"}

	mgr, err := NewManager(map[Key]Provider{
		{Gateway: domain.GatewayCard, Mode: domain.PaymentModeTest}:   cardTest,
		{Gateway: domain.GatewayCard, Mode: domain.PaymentModeLive}:   cardLive,
		{Gateway: domain.GatewayWallet, Mode: domain.PaymentModeLive}: wallet,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	got, err := mgr.Resolve(domain.GatewayCard, domain.PaymentModeTest)
	if err != nil {
		t.Fatalf("resolve card/test: %v", err)
	}
	if got.Name() != "stripe-test" {
		t.Fatalf("expected stripe-test, got %q", got.Name())
	}

	got, err = mgr.Resolve("CARD", "LIVE")
	if err != nil {
		t.Fatalf("resolve upper-case key: %v", err)
	}
	if got.Name() != "stripe-live" {
		t.Fatalf("expected stripe-live, got %q", got.Name())
	}

	if _, err := mgr.Resolve(domain.GatewayWallet, domain.PaymentModeTest); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for wallet/test, got %v", err)
	}
}

func TestManagerSkipsNilProviders(t *testing.T) {
	mgr, err := NewManager(map[Key]Provider{
		{Gateway: domain.GatewayWallet, Mode: domain.PaymentModeTest}: nil,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Resolve(domain.GatewayWallet, domain.PaymentModeTest); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewManagerValidatesKeys(t *testing.T) {
	_, err := NewManager(map[Key]Provider{{Gateway: domain.GatewayCard}: &fakeProvider{}})
	if err == nil {
		t.Fatalf("expected error for key without mode")
	}
}

func TestNilManagerResolvesNothing(t *testing.T) {
	var mgr *Manager
	if _, err := mgr.Resolve(domain.GatewayCard, domain.PaymentModeLive); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestManagerWithBreakersWrapsProviders(t *testing.T) {
	inner := &fakeProvider{name: "stripe", session: Session{ID: "pi_1"}, customer: "cus_1"}
	mgr, err := NewManager(map[Key]Provider{
		{Gateway: domain.GatewayCard, Mode: domain.PaymentModeLive}: inner,
	}, WithBreakers(BreakerSettings{}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	provider, err := mgr.Resolve(domain.GatewayCard, domain.PaymentModeLive)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := provider.(*BreakerProvider); !ok {
		t.Fatalf("expected breaker provider, got %T", provider)
	}
	session, err := provider.CreateSession(context.Background(), SessionRequest{Amount: 100, Currency: "USD"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "pi_1" || inner.calls != 1 {
		t.Fatalf("expected delegated call, got session %+v calls %d", session, inner.calls)
	}
	customer, err := provider.(CustomerProvisioner).EnsureCustomer(context.Background(), "a@b.c", "")
	if err != nil || customer != "cus_1" {
		t.Fatalf("expected delegated customer, got %q err %v", customer, err)
	}
}

func TestPollStopsOnTerminalStatus(t *testing.T) {
	provider := &fakeProvider{details: []PaymentDetails{
		{Status: StatusPending},
		{Status: StatusSucceeded, Amount: 999},
		{Status: StatusSucceeded, Amount: 1},
	}}
	details, err := Poll(context.Background(), provider, LookupRequest{ID: "pi"}, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if details.Status != StatusSucceeded || details.Amount != 999 {
		t.Fatalf("unexpected details %+v", details)
	}
	if provider.lookups != 2 {
		t.Fatalf("expected 2 lookups, got %d", provider.lookups)
	}
}

func TestPollReturnsPendingAfterAttempts(t *testing.T) {
	provider := &fakeProvider{}
	details, err := Poll(context.Background(), provider, LookupRequest{ID: "pi"}, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if details.Status != StatusPending || provider.lookups != 3 {
		t.Fatalf("expected 3 pending lookups, got %+v after %d", details, provider.lookups)
	}
}

func TestPollHonoursContext(t *testing.T) {
	provider := &fakeProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Poll(ctx, provider, LookupRequest{ID: "pi"}, 3, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if provider.lookups != 1 {
		t.Fatalf("expected a single lookup before cancellation, got %d", provider.lookups)
	}
}

func TestPollPropagatesLookupError(t *testing.T) {
	provider := &fakeProvider{err: ErrTransport}
	if _, err := Poll(context.Background(), provider, LookupRequest{ID: "pi"}, 3, time.Millisecond); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
