package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/freshstl/storefront/internal/platform/httpx"
	"github.com/freshstl/storefront/internal/platform/requestctx"
	"github.com/freshstl/storefront/internal/services"
)

// Stripe caps event payloads well below this.
const maxWebhookBodySize = 256 * 1024

// WebhookHandlers receives PSP notifications.
type WebhookHandlers struct {
	webhooks services.WebhookService
}

// NewWebhookHandlers constructs webhook handlers. Authenticity is established by the payload signature.
func NewWebhookHandlers(webhooks services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{webhooks: webhooks}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripe)
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "Stripe-Signature header missing", http.StatusBadRequest))
		return
	}
	if err := h.webhooks.HandleStripe(ctx, body, signature); err != nil {
		if errors.Is(err, services.ErrForbidden) {
			requestctx.Logger(ctx).Warn("stripe webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"received": true})
}
