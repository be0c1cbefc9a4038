package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/services"
)

type stubOperator struct {
	reconcileFn  func(ctx context.Context, wizardID string) (services.Wizard, error)
	getOrderFn   func(ctx context.Context, orderID string) (services.Order, error)
	transitionFn func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error)
}

func (s *stubOperator) Reconcile(ctx context.Context, wizardID string) (services.Wizard, error) {
	return s.reconcileFn(ctx, wizardID)
}

func (s *stubOperator) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	return s.getOrderFn(ctx, orderID)
}

func (s *stubOperator) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	return s.transitionFn(ctx, cmd)
}

func runCLI(t *testing.T, op *stubOperator, args ...string) (string, int, error) {
	t.Helper()
	closed := 0
	connect := func(context.Context) (operator, func(context.Context) error, error) {
		return op, func(context.Context) error { closed++; return nil }, nil
	}
	root := newRootCmd(connect)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), closed, err
}

func sampleOrder() services.Order {
	return services.Order{
		ID:            "pi_123",
		UserID:        "uid-1",
		TransactionID: "pi_123",
		Gateway:       domain.GatewayCard,
		Mode:          domain.PaymentModeLive,
		Currency:      "USD",
		Subtotal:      4000,
		Discount:      400,
		Total:         3600,
		CouponCode:    "SAVE10",
		Items: []domain.OrderLineItem{
			{ProductID: "benchy", Name: "Benchy", Price: 1500},
			{ProductID: "vase", Name: "Vase", Price: 2500},
		},
		Billing:   domain.BillingProfile{Email: "ada@example.com"},
		Status:    domain.OrderStatusCompleted,
		CardBrand: "visa",
		CardLast4: "4242",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFulfillmentRetryCommitsOrder(t *testing.T) {
	op := &stubOperator{
		reconcileFn: func(_ context.Context, wizardID string) (services.Wizard, error) {
			assert.Equal(t, "wiz-1", wizardID)
			return services.Wizard{ID: wizardID, Step: domain.StepCompleted, OrderID: "pi_123"}, nil
		},
	}
	out, closed, err := runCLI(t, op, "fulfillment", "retry", "--wizard", "wiz-1")
	require.NoError(t, err)
	assert.Contains(t, out, "wizard wiz-1 committed order pi_123")
	assert.Equal(t, 1, closed)
}

func TestFulfillmentRetryReportsPersistentFailure(t *testing.T) {
	op := &stubOperator{
		reconcileFn: func(_ context.Context, wizardID string) (services.Wizard, error) {
			return services.Wizard{ID: wizardID, Failure: &domain.Failure{
				Kind:      domain.FailureFulfillment,
				Reference: "pi_123",
				Message:   "order write failed",
			}}, nil
		},
	}
	out, _, err := runCLI(t, op, "fulfillment", "retry", "--wizard", "wiz-1")
	require.Error(t, err)
	assert.Contains(t, out, "still failing")
	assert.Contains(t, out, "pi_123")
}

func TestFulfillmentRetryRequiresWizard(t *testing.T) {
	_, closed, err := runCLI(t, &stubOperator{}, "fulfillment", "retry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--wizard")
	assert.Zero(t, closed)
}

func TestFulfillmentRetryWrapsServiceErrors(t *testing.T) {
	op := &stubOperator{
		reconcileFn: func(context.Context, string) (services.Wizard, error) {
			return services.Wizard{}, services.ErrGatewayNetwork
		},
	}
	_, closed, err := runCLI(t, op, "fulfillment", "retry", "--wizard", "wiz-1")
	require.ErrorIs(t, err, services.ErrGatewayNetwork)
	assert.Equal(t, 1, closed)
}

func TestOrderShowYAML(t *testing.T) {
	op := &stubOperator{
		getOrderFn: func(_ context.Context, orderID string) (services.Order, error) {
			assert.Equal(t, "pi_123", orderID)
			return sampleOrder(), nil
		},
	}
	out, _, err := runCLI(t, op, "order", "show", "pi_123")
	require.NoError(t, err)

	var view orderView
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, "pi_123", view.ID)
	assert.Equal(t, "36.00 USD", view.Total)
	assert.Equal(t, "visa **** 4242", view.Card)
	assert.Equal(t, "2026-03-01T12:00:00Z", view.CreatedAt)
	require.Len(t, view.Items, 2)
	assert.Equal(t, "25.00 USD", view.Items[1].Price)
}

func TestOrderShowJSON(t *testing.T) {
	op := &stubOperator{
		getOrderFn: func(context.Context, string) (services.Order, error) { return sampleOrder(), nil },
	}
	out, _, err := runCLI(t, op, "order", "show", "pi_123", "-o", "json")
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, "4.00 USD", payload["discount"])
	assert.NotContains(t, payload, "updated_at")
}

func TestOrderShowRejectsUnknownFormat(t *testing.T) {
	_, closed, err := runCLI(t, &stubOperator{}, "order", "show", "pi_123", "-o", "xml")
	require.Error(t, err)
	assert.Zero(t, closed)
}

func TestOrderSetStatus(t *testing.T) {
	t.Setenv("USER", "ops")
	op := &stubOperator{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			assert.Equal(t, "pi_123", cmd.OrderID)
			assert.Equal(t, domain.OrderStatusRefunded, cmd.Target)
			assert.Equal(t, "chargeback", cmd.Reason)
			assert.Equal(t, "cli:ops", cmd.ActorID)
			order := sampleOrder()
			order.Status = cmd.Target
			return order, nil
		},
	}
	out, _, err := runCLI(t, op, "order", "set-status", "pi_123", "REFUNDED", "--reason", "chargeback")
	require.NoError(t, err)
	assert.Contains(t, out, "order pi_123 is refunded")
}

func TestOrderSetStatusSurfacesInvalidTransition(t *testing.T) {
	op := &stubOperator{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, services.ErrInvalidTransition
		},
	}
	_, _, err := runCLI(t, op, "order", "set-status", "pi_123", "pending")
	assert.True(t, errors.Is(err, services.ErrInvalidTransition))
}

func TestConnectFailureIsReported(t *testing.T) {
	connect := func(context.Context) (operator, func(context.Context) error, error) {
		return nil, nil, errors.New("firestore unreachable")
	}
	root := newRootCmd(connect)
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"order", "show", "pi_123"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect: firestore unreachable")
}
