package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/services"
)

const internalActorPrefix = "svc:"

// InternalHandlers exposes operator endpoints. The router guards them with OIDC service-account tokens.
type InternalHandlers struct {
	orders   services.OrderService
	checkout services.CheckoutService
}

// NewInternalHandlers constructs the /internal handlers.
func NewInternalHandlers(orders services.OrderService, checkout services.CheckoutService) *InternalHandlers {
	return &InternalHandlers{orders: orders, checkout: checkout}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}/status", h.transitionOrder)
	r.Post("/checkout/wizards/{wizardID}/reconcile", h.reconcile)
}

type orderStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *InternalHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := h.orders.GetOrderForOperator(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *InternalHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req orderStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Target:  services.OrderStatus(req.Status),
		Reason:  req.Reason,
		ActorID: serviceActor(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *InternalHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wizard, err := h.checkout.Reconcile(ctx, chi.URLParam(r, "wizardID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeWizard(w, http.StatusOK, wizard)
}

func serviceActor(r *http.Request) string {
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
		if svc.Email != "" {
			return internalActorPrefix + svc.Email
		}
		return internalActorPrefix + svc.Subject
	}
	return internalActorPrefix + "unknown"
}
