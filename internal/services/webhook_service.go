package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
)

const stripeWebhookActor = "stripe-webhook"

type webhookParser interface {
	Parse(payload []byte, signature string) (payments.WebhookEvent, error)
}

// WebhookServiceDeps wires the PSP webhook handler.
type WebhookServiceDeps struct {
	Parser webhookParser
	Orders OrderService
	Logger Logger
}

type webhookService struct {
	parser webhookParser
	orders OrderService
	logger Logger
}

// NewWebhookService constructs a WebhookService.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Parser == nil {
		return nil, errors.New("webhook service: parser is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &webhookService{parser: deps.Parser, orders: deps.Orders, logger: logger}, nil
}

// HandleStripe verifies the delivery and applies refunds and payment failures to the matching order.
// Events for unknown orders or impossible transitions are acknowledged so Stripe stops retrying.
func (s *webhookService) HandleStripe(ctx context.Context, payload []byte, signature string) error {
	event, err := s.parser.Parse(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return validationError("malformed webhook: %v", err)
	}

	var target OrderStatus
	switch event.Type {
	case payments.WebhookRefunded:
		target = domain.OrderStatusRefunded
	case payments.WebhookPaymentFailed:
		target = domain.OrderStatusFailed
	default:
		s.logger(ctx, "webhook.stripe.ignored", map[string]any{"eventId": event.ID, "type": event.Raw})
		return nil
	}
	if event.IntentID == "" {
		s.logger(ctx, "webhook.stripe.no_intent", map[string]any{"eventId": event.ID, "type": event.Raw})
		return nil
	}

	order, err := s.orders.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID: event.IntentID,
		Target:  target,
		Reason:  event.Reason,
		ActorID: stripeWebhookActor,
	})
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		s.logger(ctx, "webhook.stripe.skipped", map[string]any{
			"eventId":  event.ID,
			"intentId": event.IntentID,
			"reason":   err.Error(),
		})
		return nil
	case err != nil:
		return err
	}
	s.logger(ctx, "webhook.stripe.applied", map[string]any{
		"eventId": event.ID,
		"orderId": order.ID,
		"status":  order.Status,
	})
	return nil
}
