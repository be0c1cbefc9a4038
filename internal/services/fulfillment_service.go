package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/freshstl/storefront/internal/domain"
	pstorage "github.com/freshstl/storefront/internal/platform/storage"
	"github.com/freshstl/storefront/internal/repositories"
)

const defaultDownloadLookupConcurrency = 8

// FulfillmentServiceDeps wires the fulfillment committer.
type FulfillmentServiceDeps struct {
	Repository  repositories.FulfillmentRepository
	Products    repositories.ProductRepository
	Publisher   OrderEventPublisher
	Receipts    ReceiptRenderer
	Clock       func() time.Time
	Logger      Logger
	Metrics     CheckoutMetrics
	Timeout     time.Duration
	Concurrency int
}

// FulfillmentService persists paid orders with their purchases exactly once per transaction.
type FulfillmentService struct {
	repo        repositories.FulfillmentRepository
	products    repositories.ProductRepository
	publisher   OrderEventPublisher
	receipts    ReceiptRenderer
	now         func() time.Time
	logger      Logger
	metrics     CheckoutMetrics
	timeout     time.Duration
	concurrency int
}

// NewFulfillmentService validates dependencies. Publisher and Receipts are optional.
func NewFulfillmentService(deps FulfillmentServiceDeps) (*FulfillmentService, error) {
	if deps.Repository == nil {
		return nil, errors.New("fulfillment service: repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("fulfillment service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	var metrics CheckoutMetrics = nopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultDownloadLookupConcurrency
	}
	return &FulfillmentService{
		repo:        deps.Repository,
		products:    deps.Products,
		publisher:   deps.Publisher,
		receipts:    deps.Receipts,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
		metrics:     metrics,
		timeout:     timeout,
		concurrency: concurrency,
	}, nil
}

// Commit writes the order, one purchase per line and deletes the cart in one transaction. An order that
// already exists for the transaction is returned unchanged. Persistence failures wrap ErrFulfillment.
func (s *FulfillmentService) Commit(ctx context.Context, order Order, cartID string) (Order, error) {
	if strings.TrimSpace(order.TransactionID) == "" || len(order.Items) == 0 {
		return Order{}, validationError("order requires a transaction id and items")
	}
	order.ID = order.TransactionID
	order.Status = domain.OrderStatusCompleted
	now := s.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	purchases, err := s.purchasesFor(ctx, order)
	if err != nil {
		s.metrics.RecordFulfillment(ctx, string(order.Gateway), "failed")
		return Order{}, fmt.Errorf("%w: resolve downloads: %v", ErrFulfillment, err)
	}

	stored, err := s.repo.Commit(ctx, order, purchases, cartID)
	switch {
	case errors.Is(err, repositories.ErrAlreadyCommitted):
		s.metrics.RecordFulfillment(ctx, string(order.Gateway), "duplicate")
		s.logger(ctx, "checkout.fulfillment.duplicate", map[string]any{"orderId": order.ID})
		return stored, nil
	case err != nil:
		s.metrics.RecordFulfillment(ctx, string(order.Gateway), "failed")
		s.logger(ctx, "checkout.fulfillment.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return Order{}, fmt.Errorf("%w: transaction %s: %v", ErrFulfillment, order.TransactionID, err)
	}

	s.metrics.RecordFulfillment(ctx, string(order.Gateway), "committed")
	s.logger(ctx, "checkout.fulfillment.committed", map[string]any{
		"orderId":   stored.ID,
		"userId":    stored.UserID,
		"total":     stored.Total,
		"purchases": len(purchases),
	})
	s.publishCompleted(ctx, stored)
	return stored, nil
}

func (s *FulfillmentService) purchasesFor(ctx context.Context, order Order) ([]Purchase, error) {
	refs := make([]string, len(order.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, item := range order.Items {
		g.Go(func() error {
			ref, err := s.downloadRef(gctx, item.ProductID)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	purchases := make([]Purchase, 0, len(order.Items))
	for i, item := range order.Items {
		purchases = append(purchases, Purchase{
			UserID:        order.UserID,
			OrderID:       order.ID,
			TransactionID: order.TransactionID,
			ProductID:     item.ProductID,
			ProductName:   item.Name,
			PurchasedAt:   order.CreatedAt,
			DownloadRef:   refs[i],
		})
	}
	return purchases, nil
}

// downloadRef prefers the product's file object and falls back to the conventional model path.
func (s *FulfillmentService) downloadRef(ctx context.Context, productID string) (string, error) {
	product, err := s.products.Get(ctx, productID)
	if err == nil && strings.TrimSpace(product.FileObject) != "" {
		return strings.TrimSpace(product.FileObject), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil && !repositories.IsNotFound(err) {
		s.logger(ctx, "checkout.fulfillment.product_lookup_failed", map[string]any{
			"productId": productID,
			"error":     err.Error(),
		})
	}
	return pstorage.ProductModelPath(productID)
}

func (s *FulfillmentService) publishCompleted(ctx context.Context, order Order) {
	if s.publisher == nil {
		return
	}
	event := OrderEvent{
		Type:       OrderEventCompleted,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Email:      order.Billing.Email,
		Gateway:    string(order.Gateway),
		Currency:   order.Currency,
		Total:      order.Total,
		TestMode:   order.TestMode,
		OccurredAt: s.now(),
	}
	if s.receipts != nil {
		receipt, err := s.receipts.Render(order)
		if err != nil {
			s.logger(ctx, "checkout.receipt.render_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		} else {
			event.Receipt = &receipt
		}
	}
	if _, err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "checkout.event.publish_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}
