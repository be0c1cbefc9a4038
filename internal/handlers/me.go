package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/services"
)

// MeHandlers exposes the customer dashboard: purchases, downloads and saved cards.
type MeHandlers struct {
	authn     *auth.Authenticator
	purchases services.PurchaseService
	methods   services.PaymentMethodService
}

// NewMeHandlers constructs /me handlers requiring Firebase authentication.
func NewMeHandlers(authn *auth.Authenticator, purchases services.PurchaseService, methods services.PaymentMethodService) *MeHandlers {
	return &MeHandlers{
		authn:     authn,
		purchases: purchases,
		methods:   methods,
	}
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Route("/purchases", func(r chi.Router) {
		r.Use(h.requirePurchases)
		r.Get("/", h.listPurchases)
		r.Post("/{purchaseID}/download", h.downloadPurchase)
	})
	r.Route("/payment-methods", h.paymentMethodRoutes)
}

func (h *MeHandlers) requirePurchases(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.purchases == nil {
			writeServiceError(r.Context(), w, fmt.Errorf("%w: purchase downloads are not configured", services.ErrUnavailable))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *MeHandlers) listPurchases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	pager, ok := parsePagination(w, r)
	if !ok {
		return
	}
	page, err := h.purchases.ListPurchases(ctx, actor, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]purchasePayload, 0, len(page.Items))
	for _, purchase := range page.Items {
		items = append(items, buildPurchasePayload(purchase))
	}
	writeJSONResponse(w, http.StatusOK, purchaseListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *MeHandlers) downloadPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	link, err := h.purchases.DownloadURL(ctx, actor, chi.URLParam(r, "purchaseID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, downloadPayload{
		URL:       link.URL,
		FileName:  link.FileName,
		ExpiresAt: formatTime(link.ExpiresAt),
	})
}

type purchaseListResponse struct {
	Items         []purchasePayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type purchasePayload struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	PurchasedAt string `json:"purchased_at,omitempty"`
}

type downloadPayload struct {
	URL       string `json:"url"`
	FileName  string `json:"file_name"`
	ExpiresAt string `json:"expires_at"`
}

func buildPurchasePayload(p services.Purchase) purchasePayload {
	return purchasePayload{
		ID:          p.ID,
		OrderID:     p.OrderID,
		ProductID:   p.ProductID,
		ProductName: p.ProductName,
		PurchasedAt: formatTime(p.PurchasedAt),
	}
}
