package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const checkoutMeterName = "github.com/freshstl/storefront/checkout"

// CheckoutMetrics records checkout orchestration outcomes. The zero value is a no-op.
type CheckoutMetrics struct {
	sessions        metric.Int64Counter
	gatewayLatency  metric.Float64Histogram
	fulfillments    metric.Int64Counter
	wizardStepMoves metric.Int64Counter
}

// NewCheckoutMetrics registers the checkout instruments on meter, or on the global provider when meter is nil.
// Registration failures are logged and leave the affected instrument disabled.
func NewCheckoutMetrics(meter metric.Meter, logger *zap.Logger) *CheckoutMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(checkoutMeterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &CheckoutMetrics{}
	var err error
	if m.sessions, err = meter.Int64Counter("checkout.sessions",
		metric.WithDescription("Gateway session initialisations by gateway, mode and outcome")); err != nil {
		logger.Warn("metrics: unable to register checkout.sessions", zap.Error(err))
	}
	if m.gatewayLatency, err = meter.Float64Histogram("checkout.gateway.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of payment gateway calls")); err != nil {
		logger.Warn("metrics: unable to register checkout.gateway.latency", zap.Error(err))
	}
	if m.fulfillments, err = meter.Int64Counter("checkout.fulfillments",
		metric.WithDescription("Fulfillment commits by outcome")); err != nil {
		logger.Warn("metrics: unable to register checkout.fulfillments", zap.Error(err))
	}
	if m.wizardStepMoves, err = meter.Int64Counter("checkout.wizard.transitions",
		metric.WithDescription("Wizard step transitions")); err != nil {
		logger.Warn("metrics: unable to register checkout.wizard.transitions", zap.Error(err))
	}
	return m
}

// RecordSession counts a session initialisation attempt.
func (m *CheckoutMetrics) RecordSession(ctx context.Context, gateway, mode, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, attrs)
	}
	if m.gatewayLatency != nil {
		m.gatewayLatency.Record(ctx, float64(took)/float64(time.Millisecond), attrs)
	}
}

// RecordFulfillment counts a fulfillment commit.
func (m *CheckoutMetrics) RecordFulfillment(ctx context.Context, gateway, outcome string) {
	if m == nil || m.fulfillments == nil {
		return
	}
	m.fulfillments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	))
}

// RecordTransition counts a wizard step change.
func (m *CheckoutMetrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil || m.wizardStepMoves == nil {
		return
	}
	m.wizardStepMoves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
