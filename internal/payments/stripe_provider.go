package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeProviderName = "stripe"

// Logger defines the logging contract for provider operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeCustomerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
	Detach(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	customers      stripeCustomerAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig configures the StripeProvider. One provider is built per API key, i.e. per mode.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   Logger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProvider opens PaymentIntents for the card gateway.
type StripeProvider struct {
	api    stripeClients
	clock  func() time.Time
	logger Logger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	clients, err := stripeClientsFor(cfg)
	if err != nil {
		return nil, err
	}
	if clients.intents == nil || clients.customers == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{
		api:    clients,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func stripeClientsFor(cfg StripeProviderConfig) (stripeClients, error) {
	if cfg.Clients != nil {
		return *cfg.Clients, nil
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return stripeClients{}, fmt.Errorf("%w: stripe api key is required", ErrNotConfigured)
	}
	sc := client.New(apiKey, cfg.Backends)
	return stripeClients{
		intents:        sc.PaymentIntents,
		customers:      sc.Customers,
		paymentMethods: sc.PaymentMethods,
	}, nil
}

// Name identifies the provider.
func (p *StripeProvider) Name() string { return stripeProviderName }

// CreateSession creates a PaymentIntent. A saved method attaches customer and payment method; a new card
// with SaveMethod requests off-session reuse.
func (p *StripeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if req.Amount <= 0 {
		return Session{}, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(req.ReceiptEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	params.Metadata = copyMetadata(req.Metadata)

	customer := strings.TrimSpace(req.CustomerID)
	switch saved := strings.TrimSpace(req.SavedMethod); {
	case saved != "":
		if customer == "" {
			return Session{}, fmt.Errorf("%w: saved payment method requires a customer", ErrRejected)
		}
		params.Customer = stripe.String(customer)
		params.PaymentMethod = stripe.String(saved)
	case req.SaveMethod:
		if customer == "" {
			return Session{}, fmt.Errorf("%w: saving a payment method requires a customer", ErrRejected)
		}
		params.Customer = stripe.String(customer)
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{Enabled: stripe.Bool(true)}
	default:
		if customer != "" {
			params.Customer = stripe.String(customer)
		}
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{Enabled: stripe.Bool(true)}
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Session{}, classifyStripeError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
		"savedMethod":   req.SavedMethod != "",
	})

	return Session{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		ExpiresAt:    p.clock().Add(24 * time.Hour),
	}, nil
}

// LookupPayment retrieves a PaymentIntent with its charge and payment method expanded.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return PaymentDetails{}, fmt.Errorf("%w: payment intent id is required", ErrRejected)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	params.AddExpand("payment_method")
	intent, err := p.api.intents.Get(id, params)
	if err != nil {
		return PaymentDetails{}, classifyStripeError("lookup payment intent", err)
	}
	return stripePaymentDetails(intent), nil
}

// EnsureCustomer creates a Stripe customer for the e-mail.
func (p *StripeProvider) EnsureCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(strings.TrimSpace(email))}
	params.Context = ctx
	if name = strings.TrimSpace(name); name != "" {
		params.Name = stripe.String(name)
	}
	customer, err := p.api.customers.New(params)
	if err != nil {
		return "", classifyStripeError("create customer", err)
	}
	p.logger(ctx, "payments.stripe.customer.created", map[string]any{"customer": customer.ID})
	return customer.ID, nil
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	details := PaymentDetails{
		Provider: stripeProviderName,
		IntentID: intent.ID,
		Amount:   intent.Amount,
		Currency: strings.ToUpper(string(intent.Currency)),
		Metadata: copyMetadata(intent.Metadata),
	}

	if pm := intent.PaymentMethod; pm != nil {
		details.PaymentMethod = pm.ID
		if pm.Card != nil {
			details.CardBrand = strings.ToLower(string(pm.Card.Brand))
			details.CardLast4 = pm.Card.Last4
		}
	}
	if charge := intent.LatestCharge; charge != nil {
		if details.CardLast4 == "" && charge.PaymentMethodDetails != nil && charge.PaymentMethodDetails.Card != nil {
			details.CardBrand = strings.ToLower(string(charge.PaymentMethodDetails.Card.Brand))
			details.CardLast4 = charge.PaymentMethodDetails.Card.Last4
		}
		if charge.Refunded && charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
			status = StatusRefunded
		}
	}
	if intent.LastPaymentError != nil {
		details.FailureReason = intent.LastPaymentError.Msg
	}
	details.Status = status
	return details
}

// classifyStripeError maps Stripe API errors onto the payments taxonomy.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: stripe: %s: %w", ErrTransport, op, err)
		}
		return fmt.Errorf("%w: stripe: %s: %v", ErrTransport, op, err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: stripe: %s: %s", ErrNotConfigured, op, stripeErr.Msg)
	case stripeErr.Type == stripe.ErrorTypeCard, stripeErr.Type == stripe.ErrorTypeInvalidRequest,
		stripeErr.Type == stripe.ErrorTypeIdempotency:
		return fmt.Errorf("%w: stripe: %s: %s", ErrRejected, op, stripeErr.Msg)
	default:
		return fmt.Errorf("%w: stripe: %s: %s", ErrTransport, op, stripeErr.Msg)
	}
}
