package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v78"
)

// PaymentMethodDetails captures PSP-sourced metadata for a payment instrument.
type PaymentMethodDetails struct {
	Token    string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// StripePaymentMethodVerifier reads and detaches saved Stripe payment methods.
type StripePaymentMethodVerifier struct {
	api stripePaymentMethodAPI
}

// NewStripePaymentMethodVerifier constructs a verifier using the provided configuration.
func NewStripePaymentMethodVerifier(cfg StripeProviderConfig) (*StripePaymentMethodVerifier, error) {
	clients, err := stripeClientsFor(cfg)
	if err != nil {
		return nil, err
	}
	if clients.paymentMethods == nil {
		return nil, errors.New("stripe: payment methods client is nil")
	}
	return &StripePaymentMethodVerifier{api: clients.paymentMethods}, nil
}

// Lookup fetches metadata for the provided token from Stripe.
func (v *StripePaymentMethodVerifier) Lookup(ctx context.Context, token string) (PaymentMethodDetails, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return PaymentMethodDetails{}, errors.New("stripe: payment method token is required")
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	pm, err := v.api.Get(token, params)
	if err != nil {
		return PaymentMethodDetails{}, classifyStripeError("lookup payment method", err)
	}

	details := PaymentMethodDetails{Token: token}
	if pm == nil {
		return details, nil
	}
	if trimmed := strings.TrimSpace(pm.ID); trimmed != "" {
		details.Token = trimmed
	}
	if pm.Type == stripe.PaymentMethodTypeCard && pm.Card != nil {
		details.Brand = strings.ToLower(string(pm.Card.Brand))
		details.Last4 = strings.TrimSpace(pm.Card.Last4)
		details.ExpMonth = int(pm.Card.ExpMonth)
		details.ExpYear = int(pm.Card.ExpYear)
	}
	return details, nil
}

// Detach removes the payment method from its Stripe customer.
func (v *StripePaymentMethodVerifier) Detach(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("stripe: payment method token is required")
	}
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	if _, err := v.api.Detach(token, params); err != nil {
		return classifyStripeError("detach payment method", err)
	}
	return nil
}
