package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/freshstl/storefront/internal/services"
)

func (h *MeHandlers) paymentMethodRoutes(r chi.Router) {
	r.Get("/", h.listPaymentMethods)
	r.Delete("/{paymentMethodID}", h.deletePaymentMethod)
}

func (h *MeHandlers) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	methods, err := h.methods.List(ctx, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := make([]paymentMethodPayload, 0, len(methods))
	for _, method := range methods {
		payload = append(payload, buildPaymentMethodPayload(method))
	}
	writeJSONResponse(w, http.StatusOK, paymentMethodListResponse{Items: payload})
}

func (h *MeHandlers) deletePaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.methods.Delete(ctx, actor, chi.URLParam(r, "paymentMethodID")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paymentMethodListResponse struct {
	Items []paymentMethodPayload `json:"items"`
}

// The PSP token is never returned; clients select saved cards by id.
type paymentMethodPayload struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Brand     string `json:"brand,omitempty"`
	Last4     string `json:"last4,omitempty"`
	ExpMonth  int    `json:"exp_month,omitempty"`
	ExpYear   int    `json:"exp_year,omitempty"`
	Mode      string `json:"mode"`
	CreatedAt string `json:"created_at,omitempty"`
}

func buildPaymentMethodPayload(method services.PaymentMethod) paymentMethodPayload {
	return paymentMethodPayload{
		ID:        method.ID,
		Provider:  method.Provider,
		Brand:     method.Brand,
		Last4:     method.Last4,
		ExpMonth:  method.ExpMonth,
		ExpYear:   method.ExpYear,
		Mode:      string(method.Mode),
		CreatedAt: formatTime(method.CreatedAt),
	}
}
