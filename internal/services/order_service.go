package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/repositories"
)

const maxStatusReasonLength = 500

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:   {domain.OrderStatusCompleted, domain.OrderStatusFailed},
	domain.OrderStatusCompleted: {domain.OrderStatusRefunded},
}

var errStatusUnchanged = errors.New("order status unchanged")

// OrderServiceDeps wires order reads and status transitions.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Logger Logger
}

type orderService struct {
	orders repositories.OrderRepository
	now    func() time.Time
	logger Logger
}

// NewOrderService constructs an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &orderService{
		orders: deps.Orders,
		now:    func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// CanTransitionOrder reports whether an order may move between statuses.
func CanTransitionOrder(from, to OrderStatus) bool {
	return slices.Contains(orderStatusTransitions[from], to)
}

func (s *orderService) GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error) {
	order, err := s.GetOrderForOperator(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if actor.UserID == "" || order.UserID != actor.UserID {
		// Foreign orders are reported as missing.
		return Order{}, fmt.Errorf("%w: order", ErrNotFound)
	}
	return order, nil
}

func (s *orderService) GetOrderForOperator(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, FieldErrors{"orderId": "is required"}
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, translateRepoError(err, "order")
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, actor Actor, pager Pagination) (domain.Page[Order], error) {
	if actor.UserID == "" {
		return domain.Page[Order]{}, ErrAuth
	}
	page, err := s.orders.ListByUser(ctx, actor.UserID, pager)
	if err != nil {
		return domain.Page[Order]{}, translateRepoError(err, "list orders")
	}
	return page, nil
}

// TransitionStatus applies the order status table. Repeating the current status is a no-op.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Target))))
	fields := FieldErrors{}
	if id == "" {
		fields.Add("orderId", "is required")
	}
	switch target {
	case domain.OrderStatusPending, domain.OrderStatusCompleted, domain.OrderStatusRefunded, domain.OrderStatusFailed:
	default:
		fields.Add("status", "must be one of pending, completed, refunded, failed")
	}
	reason := strings.TrimSpace(cmd.Reason)
	if len(reason) > maxStatusReasonLength {
		fields.Add("reason", "is too long")
	}
	if err := fields.errOrNil(); err != nil {
		return Order{}, err
	}

	var (
		current Order
		from    OrderStatus
		mutErr  error
	)
	updated, err := s.orders.UpdateStatus(ctx, id, func(o *Order) error {
		from = o.Status
		if o.Status == target {
			current = *o
			mutErr = errStatusUnchanged
			return mutErr
		}
		if !CanTransitionOrder(o.Status, target) {
			mutErr = fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidTransition, o.ID, o.Status, target)
			return mutErr
		}
		o.Status = target
		o.StatusReason = reason
		return nil
	})
	switch {
	case errors.Is(mutErr, errStatusUnchanged):
		return current, nil
	case mutErr != nil:
		return Order{}, mutErr
	case err != nil:
		return Order{}, translateRepoError(err, "order")
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": updated.ID,
		"from":    from,
		"to":      updated.Status,
		"reason":  reason,
		"actorId": cmd.ActorID,
	})
	return updated, nil
}
