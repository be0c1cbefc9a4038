package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/freshstl/storefront/internal/domain"
)

type stubReceipts struct{}

func (stubReceipts) Render(order Order) (Receipt, error) {
	return Receipt{Subject: "Your FreshSTL order " + order.ID, Text: "thanks"}, nil
}

func paidOrder() Order {
	return Order{
		TransactionID: "pi_123",
		UserID:        "uid-1",
		Gateway:       domain.GatewayCard,
		Currency:      "USD",
		Subtotal:      4000,
		Discount:      400,
		Total:         3600,
		Items: []domain.OrderLineItem{
			{ProductID: "p1", Name: "Benchy", Price: 1500},
			{ProductID: "p2", Name: "Vase", Price: 2500},
		},
		Billing: BillingProfile{FullName: "Ada", Email: "ada@example.com", CountryCode: "TN"},
	}
}

func newTestFulfillment(t *testing.T, repo *stubFulfillmentRepo, publisher *recordingPublisher) *FulfillmentService {
	t.Helper()
	deps := FulfillmentServiceDeps{
		Repository: repo,
		Products:   stubProducts{"p1": {ID: "p1", FileObject: "models/p1/benchy.stl"}},
		Receipts:   stubReceipts{},
		Clock:      fixedClock,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	svc, err := NewFulfillmentService(deps)
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	return svc
}

func TestFulfillmentCommitWritesOrderAndPurchases(t *testing.T) {
	repo := newStubFulfillmentRepo()
	publisher := &recordingPublisher{}
	svc := newTestFulfillment(t, repo, publisher)

	order, err := svc.Commit(context.Background(), paidOrder(), "cart-1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if order.ID != "pi_123" || order.Status != domain.OrderStatusCompleted {
		t.Fatalf("unexpected order %+v", order)
	}
	if !order.CreatedAt.Equal(testNow) {
		t.Fatalf("expected created at %v, got %v", testNow, order.CreatedAt)
	}
	purchases := repo.purchases["pi_123"]
	if len(purchases) != 2 {
		t.Fatalf("expected 2 purchases, got %d", len(purchases))
	}
	if purchases[0].DownloadRef != "models/p1/benchy.stl" {
		t.Fatalf("expected product file object, got %q", purchases[0].DownloadRef)
	}
	if purchases[1].DownloadRef == "" {
		t.Fatalf("expected fallback model path for unknown product")
	}
	if purchases[1].UserID != "uid-1" || purchases[1].OrderID != "pi_123" {
		t.Fatalf("unexpected purchase %+v", purchases[1])
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "cart-1" {
		t.Fatalf("expected cart deletion, got %v", repo.deleted)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.Type != OrderEventCompleted || event.Total != 3600 || event.Receipt == nil {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestFulfillmentCommitIsIdempotent(t *testing.T) {
	repo := newStubFulfillmentRepo()
	publisher := &recordingPublisher{}
	svc := newTestFulfillment(t, repo, publisher)
	ctx := context.Background()

	if _, err := svc.Commit(ctx, paidOrder(), "cart-1"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	again, err := svc.Commit(ctx, paidOrder(), "cart-1")
	if err != nil {
		t.Fatalf("duplicate commit should succeed, got %v", err)
	}
	if again.ID != "pi_123" {
		t.Fatalf("expected stored order, got %+v", again)
	}
	if repo.orderCount() != 1 {
		t.Fatalf("expected a single order, got %d", repo.orderCount())
	}
	if len(publisher.events) != 1 {
		t.Fatalf("duplicate commit must not publish, got %d events", len(publisher.events))
	}
}

func TestFulfillmentCommitFailureWrapsErrFulfillment(t *testing.T) {
	repo := newStubFulfillmentRepo()
	repo.err = &repoErr{unavailable: true}
	publisher := &recordingPublisher{}
	svc := newTestFulfillment(t, repo, publisher)

	_, err := svc.Commit(context.Background(), paidOrder(), "cart-1")
	if !errors.Is(err, ErrFulfillment) {
		t.Fatalf("expected ErrFulfillment, got %v", err)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("failed commit must not publish")
	}
}

func TestFulfillmentCommitPublishFailureIsBestEffort(t *testing.T) {
	repo := newStubFulfillmentRepo()
	publisher := &recordingPublisher{err: errors.New("pubsub down")}
	svc := newTestFulfillment(t, repo, publisher)

	if _, err := svc.Commit(context.Background(), paidOrder(), "cart-1"); err != nil {
		t.Fatalf("publish failure must not fail the commit: %v", err)
	}
}

func TestFulfillmentCommitRequiresTransaction(t *testing.T) {
	svc := newTestFulfillment(t, newStubFulfillmentRepo(), nil)
	order := paidOrder()
	order.TransactionID = ""
	if _, err := svc.Commit(context.Background(), order, "cart-1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
