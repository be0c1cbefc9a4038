package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/services"
)

func newInternalRouter(orders services.OrderService, checkout services.CheckoutService) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", NewInternalHandlers(orders, checkout).Routes)
	return router
}

func TestInternalHandlersTransitionOrder(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			if cmd.OrderID != "pi_1" || cmd.Target != domain.OrderStatusRefunded || cmd.Reason != "chargeback" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			if cmd.ActorID != "svc:ops@freshstl.iam.gserviceaccount.com" {
				t.Fatalf("unexpected actor %q", cmd.ActorID)
			}
			order := completedOrder()
			order.Status = domain.OrderStatusRefunded
			return order, nil
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/orders/pi_1/status", strings.NewReader(`{"status":"refunded","reason":"chargeback"}`))
	req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Subject: "123", Email: "ops@freshstl.iam.gserviceaccount.com"}))
	rr := httptest.NewRecorder()
	newInternalRouter(orders, &stubCheckoutService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if order := decodeResponse(t, rr)["order"].(map[string]any); order["status"] != "refunded" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestInternalHandlersTransitionRejected(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: refunded to pending", services.ErrInvalidTransition)
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/orders/pi_1/status", strings.NewReader(`{"status":"pending"}`))
	rr := httptest.NewRecorder()
	newInternalRouter(orders, &stubCheckoutService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if body := decodeResponse(t, rr); body["error"] != "invalid_transition" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestInternalHandlersReconcile(t *testing.T) {
	checkout := &stubCheckoutService{
		reconcileFn: func(_ context.Context, wizardID string) (services.Wizard, error) {
			if wizardID != "wiz-1" {
				t.Fatalf("unexpected wizard %q", wizardID)
			}
			w := paymentWizard()
			w.Step = domain.StepCompleted
			w.OrderID = "pi_1"
			w.Session = nil
			return w, nil
		},
	}
	rr := httptest.NewRecorder()
	newInternalRouter(&stubOrderService{}, checkout).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/checkout/wizards/wiz-1/reconcile", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if wizard := decodeResponse(t, rr)["wizard"].(map[string]any); wizard["order_id"] != "pi_1" || wizard["step"] != "completed" {
		t.Fatalf("unexpected wizard %v", wizard)
	}
}
