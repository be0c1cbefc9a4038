package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/platform/httpx"
	"github.com/freshstl/storefront/internal/platform/pagination"
	"github.com/freshstl/storefront/internal/services"
)

// OrderHandlers exposes the signed-in customer's orders.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers requiring Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	pager, ok := parsePagination(w, r)
	if !ok {
		return
	}
	page, err := h.orders.ListOrders(ctx, actor, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireUser(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, actor, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func parsePagination(w http.ResponseWriter, r *http.Request) (services.Pagination, bool) {
	pager, err := pagination.Parse(r.URL.Query(), pagination.Options{})
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_pagination", err.Error(), http.StatusBadRequest))
		return services.Pagination{}, false
	}
	return pager, true
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Currency     string `json:"currency"`
	Total        int64  `json:"total"`
	DisplayTotal string `json:"display_total"`
	ItemsCount   int    `json:"items_count"`
	CreatedAt    string `json:"created_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id,omitempty"`
	TransactionID string             `json:"transaction_id"`
	Status        string             `json:"status"`
	StatusReason  string             `json:"status_reason,omitempty"`
	Gateway       string             `json:"gateway"`
	Mode          string             `json:"mode"`
	TestMode      bool               `json:"test_mode"`
	Currency      string             `json:"currency"`
	Totals        orderTotalsPayload `json:"totals"`
	CouponCode    string             `json:"coupon_code,omitempty"`
	Items         []orderItemPayload `json:"items"`
	Billing       billingPayload     `json:"billing"`
	Card          *orderCardPayload  `json:"card,omitempty"`
	CreatedAt     string             `json:"created_at,omitempty"`
	UpdatedAt     string             `json:"updated_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal     int64  `json:"subtotal"`
	Discount     int64  `json:"discount"`
	Total        int64  `json:"total"`
	DisplayTotal string `json:"display_total"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
}

type orderCardPayload struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:           order.ID,
		Status:       string(order.Status),
		Currency:     order.Currency,
		Total:        order.Total,
		DisplayTotal: domain.FormatAmount(order.Total, order.Currency),
		ItemsCount:   len(order.Items),
		CreatedAt:    formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{ProductID: item.ProductID, Name: item.Name, Price: item.Price})
	}
	payload := orderPayload{
		ID:            order.ID,
		UserID:        order.UserID,
		TransactionID: order.TransactionID,
		Status:        string(order.Status),
		StatusReason:  order.StatusReason,
		Gateway:       string(order.Gateway),
		Mode:          string(order.Mode),
		TestMode:      order.TestMode,
		Currency:      order.Currency,
		Totals: orderTotalsPayload{
			Subtotal:     order.Subtotal,
			Discount:     order.Discount,
			Total:        order.Total,
			DisplayTotal: domain.FormatAmount(order.Total, order.Currency),
		},
		CouponCode: order.CouponCode,
		Items:      items,
		Billing:    buildBillingPayload(order.Billing),
		CreatedAt:  formatTime(order.CreatedAt),
		UpdatedAt:  formatTime(order.UpdatedAt),
	}
	if order.CardLast4 != "" {
		payload.Card = &orderCardPayload{Brand: order.CardBrand, Last4: order.CardLast4}
	}
	return payload
}
