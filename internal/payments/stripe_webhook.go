package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// WebhookEventType is the normalised kind of a PSP notification.
type WebhookEventType string

const (
	WebhookRefunded      WebhookEventType = "refunded"
	WebhookPaymentFailed WebhookEventType = "payment_failed"
	WebhookIgnored       WebhookEventType = "ignored"
)

// ErrInvalidSignature is returned when a webhook payload fails signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// WebhookEvent carries the fields reconciliation needs from a Stripe event.
type WebhookEvent struct {
	ID       string
	Type     WebhookEventType
	Raw      string
	IntentID string
	Reason   string
	Livemode bool
}

// StripeWebhookParser verifies and decodes Stripe webhook deliveries.
type StripeWebhookParser struct {
	secret string
}

// NewStripeWebhookParser constructs a parser bound to the endpoint signing secret.
func NewStripeWebhookParser(secret string) (*StripeWebhookParser, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", ErrNotConfigured)
	}
	return &StripeWebhookParser{secret: secret}, nil
}

// Parse verifies the Stripe-Signature header and extracts the payment intent the event refers to.
// Event types that do not affect orders are returned as WebhookIgnored.
func (p *StripeWebhookParser) Parse(payload []byte, signature string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Raw: string(event.Type), Type: WebhookIgnored, Livemode: event.Livemode}
	if event.Data == nil {
		return out, nil
	}
	switch event.Type {
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode charge: %w", err)
		}
		if !charge.Refunded || charge.PaymentIntent == nil {
			return out, nil
		}
		out.Type = WebhookRefunded
		out.IntentID = charge.PaymentIntent.ID
		out.Reason = "stripe refund " + charge.ID
	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode payment intent: %w", err)
		}
		out.Type = WebhookPaymentFailed
		out.IntentID = intent.ID
		if intent.LastPaymentError != nil {
			out.Reason = intent.LastPaymentError.Msg
		}
	}
	return out, nil
}
