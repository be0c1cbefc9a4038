package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubIntents struct {
	created *stripe.PaymentIntentParams
	intent  *stripe.PaymentIntent
	err     error
	getID   string
}

func (s *stubIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.created = params
	return s.intent, s.err
}

func (s *stubIntents) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.getID = id
	return s.intent, s.err
}

type stubCustomers struct {
	params *stripe.CustomerParams
	err    error
}

func (s *stubCustomers) New(params *stripe.CustomerParams) (*stripe.Customer, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.Customer{ID: "cus_123"}, nil
}

type stubPaymentMethods struct {
	method   *stripe.PaymentMethod
	detached string
	err      error
}

func (s *stubPaymentMethods) Get(string, *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
	return s.method, s.err
}

func (s *stubPaymentMethods) Detach(id string, _ *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error) {
	s.detached = id
	return s.method, s.err
}

func newTestStripeProvider(t *testing.T, intents *stubIntents, customers *stubCustomers) *StripeProvider {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clock:   func() time.Time { return now },
		Clients: &stripeClients{intents: intents, customers: customers},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestStripeCreateSessionNewCard(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret", Amount: 3600, Currency: "usd"}}
	provider := newTestStripeProvider(t, intents, &stubCustomers{})

	session, err := provider.CreateSession(context.Background(), SessionRequest{
		Amount:         3600,
		Currency:       "USD",
		ReceiptEmail:   "buyer@example.com",
		IdempotencyKey: "key-1",
		Metadata:       map[string]string{"wizardId": "wz"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "pi_1" || session.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected session %+v", session)
	}
	if want := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC); !session.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, session.ExpiresAt)
	}

	params := intents.created
	if params == nil {
		t.Fatalf("expected params to be captured")
	}
	if *params.Amount != 3600 || *params.Currency != "usd" {
		t.Fatalf("unexpected amount/currency %d %s", *params.Amount, *params.Currency)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if params.AutomaticPaymentMethods == nil || !*params.AutomaticPaymentMethods.Enabled {
		t.Fatalf("expected automatic payment methods")
	}
	if params.Customer != nil || params.SetupFutureUsage != nil {
		t.Fatalf("expected no customer binding for a guest card")
	}
	if params.Metadata["wizardId"] != "wz" {
		t.Fatalf("expected metadata to be copied, got %v", params.Metadata)
	}
}

func TestStripeCreateSessionSavedMethod(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_2"}}
	provider := newTestStripeProvider(t, intents, &stubCustomers{})

	_, err := provider.CreateSession(context.Background(), SessionRequest{
		Amount: 999, Currency: "usd", CustomerID: "cus_9", SavedMethod: "pm_9",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	params := intents.created
	if *params.Customer != "cus_9" || *params.PaymentMethod != "pm_9" {
		t.Fatalf("expected customer and payment method, got %+v", params)
	}
	if params.AutomaticPaymentMethods != nil {
		t.Fatalf("saved methods must not enable automatic payment methods")
	}

	if _, err := provider.CreateSession(context.Background(), SessionRequest{Amount: 999, Currency: "usd", SavedMethod: "pm_9"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected without customer, got %v", err)
	}
}

func TestStripeCreateSessionSaveForLater(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_3"}}
	provider := newTestStripeProvider(t, intents, &stubCustomers{})

	if _, err := provider.CreateSession(context.Background(), SessionRequest{
		Amount: 999, Currency: "usd", CustomerID: "cus_9", SaveMethod: true,
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	params := intents.created
	if params.SetupFutureUsage == nil || *params.SetupFutureUsage != "off_session" {
		t.Fatalf("expected off_session future usage")
	}
}

func TestStripeCreateSessionRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntents{}, &stubCustomers{})
	if _, err := provider.CreateSession(context.Background(), SessionRequest{Amount: 0, Currency: "usd"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestStripeErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"auth", &stripe.Error{HTTPStatusCode: http.StatusUnauthorized, Msg: "bad key"}, ErrNotConfigured},
		{"card", &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Type: stripe.ErrorTypeCard, Msg: "declined"}, ErrRejected},
		{"invalid", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Type: stripe.ErrorTypeInvalidRequest}, ErrRejected},
		{"api", &stripe.Error{HTTPStatusCode: http.StatusInternalServerError, Type: stripe.ErrorTypeAPI}, ErrTransport},
		{"network", errors.New("dial tcp: timeout"), ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newTestStripeProvider(t, &stubIntents{err: tc.err}, &stubCustomers{})
			_, err := provider.CreateSession(context.Background(), SessionRequest{Amount: 100, Currency: "usd"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStripeLookupPayment(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{
		ID:       "pi_4",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   3600,
		Currency: "usd",
		PaymentMethod: &stripe.PaymentMethod{
			ID:   "pm_4",
			Card: &stripe.PaymentMethodCard{Brand: "visa", Last4: "4242"},
		},
		Metadata: map[string]string{"wizardId": "wz"},
	}}
	provider := newTestStripeProvider(t, intents, &stubCustomers{})

	details, err := provider.LookupPayment(context.Background(), LookupRequest{ID: " pi_4 "})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if intents.getID != "pi_4" {
		t.Fatalf("expected trimmed id, got %q", intents.getID)
	}
	if details.Status != StatusSucceeded || details.Amount != 3600 || details.Currency != "USD" {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.CardBrand != "visa" || details.CardLast4 != "4242" || details.PaymentMethod != "pm_4" {
		t.Fatalf("unexpected card details %+v", details)
	}
}

func TestStripePaymentDetailsRefunded(t *testing.T) {
	details := stripePaymentDetails(&stripe.PaymentIntent{
		ID:     "pi_5",
		Status: stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{
			Amount: 500, AmountRefunded: 500, Refunded: true,
		},
	})
	if details.Status != StatusRefunded {
		t.Fatalf("expected refunded status, got %s", details.Status)
	}

	details = stripePaymentDetails(&stripe.PaymentIntent{ID: "pi_6", Status: stripe.PaymentIntentStatusRequiresPaymentMethod})
	if details.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", details.Status)
	}
}

func TestStripeEnsureCustomer(t *testing.T) {
	customers := &stubCustomers{}
	provider := newTestStripeProvider(t, &stubIntents{}, customers)

	id, err := provider.EnsureCustomer(context.Background(), " buyer@example.com ", "Buyer")
	if err != nil {
		t.Fatalf("ensure customer: %v", err)
	}
	if id != "cus_123" {
		t.Fatalf("unexpected id %q", id)
	}
	if *customers.params.Email != "buyer@example.com" || *customers.params.Name != "Buyer" {
		t.Fatalf("unexpected params %+v", customers.params)
	}
}

func TestStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestPaymentMethodVerifier(t *testing.T) {
	methods := &stubPaymentMethods{method: &stripe.PaymentMethod{
		ID:   "pm_7",
		Type: stripe.PaymentMethodTypeCard,
		Card: &stripe.PaymentMethodCard{Brand: "mastercard", Last4: "4444", ExpMonth: 4, ExpYear: 2030},
	}}
	verifier, err := NewStripePaymentMethodVerifier(StripeProviderConfig{Clients: &stripeClients{paymentMethods: methods}})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	details, err := verifier.Lookup(context.Background(), "pm_7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Brand != "mastercard" || details.Last4 != "4444" || details.ExpMonth != 4 || details.ExpYear != 2030 {
		t.Fatalf("unexpected details %+v", details)
	}

	if err := verifier.Detach(context.Background(), "pm_7"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if methods.detached != "pm_7" {
		t.Fatalf("expected detach of pm_7, got %q", methods.detached)
	}
	if err := verifier.Detach(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
