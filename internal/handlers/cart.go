package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/services"
)

// CartHandlers exposes the /carts endpoints. Guests may use carts; a bearer token binds new carts to the user.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs cart handlers with optional Firebase authentication.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /carts endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Post("/", h.createCart)
	r.Get("/{cartID}", h.getCart)
	r.Post("/{cartID}/items", h.addItem)
	r.Delete("/{cartID}/items/{productID}", h.removeItem)
	r.Delete("/{cartID}/items", h.clearCart)
}

type createCartRequest struct {
	Currency string `json:"currency"`
}

type addCartItemRequest struct {
	ProductID string `json:"product_id"`
}

func (h *CartHandlers) createCart(w http.ResponseWriter, r *http.Request) {
	var req createCartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cart, err := h.carts.CreateCart(r.Context(), services.CreateCartCommand{
		Actor:    actorFromRequest(r),
		Currency: req.Currency,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusCreated, cart)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.GetCart(r.Context(), actorFromRequest(r), chi.URLParam(r, "cartID"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cart, err := h.carts.AddItem(r.Context(), services.AddCartItemCommand{
		Actor:     actorFromRequest(r),
		CartID:    chi.URLParam(r, "cartID"),
		ProductID: req.ProductID,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.RemoveItem(r.Context(), services.RemoveCartItemCommand{
		Actor:     actorFromRequest(r),
		CartID:    chi.URLParam(r, "cartID"),
		ProductID: chi.URLParam(r, "productID"),
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.ClearCart(r.Context(), actorFromRequest(r), chi.URLParam(r, "cartID"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func writeCart(w http.ResponseWriter, status int, cart services.Cart) {
	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, status, cartResponse{Cart: buildCartPayload(cart)})
}

func setCartResponseHeaders(w http.ResponseWriter, cart services.Cart) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartPayload(cart services.Cart) cartPayload {
	var subtotal int64
	items := make([]cartItemPayload, 0, len(cart.Items))
	for _, item := range cart.Items {
		subtotal += item.Price
		items = append(items, cartItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Display:   domain.FormatAmount(item.Price, cart.Currency),
			ImageRef:  item.ImageRef,
			Category:  item.Category,
		})
	}
	return cartPayload{
		ID:         strings.TrimSpace(cart.ID),
		UserID:     strings.TrimSpace(cart.UserID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		ItemsCount: len(cart.Items),
		Items:      items,
		Subtotal:   subtotal,
		UpdatedAt:  formatTime(cart.UpdatedAt),
	}
}

func buildCartETag(cart services.Cart) string {
	if strings.TrimSpace(cart.ID) == "" || cart.UpdatedAt.IsZero() {
		return ""
	}
	input := fmt.Sprintf("%s:%d", strings.TrimSpace(cart.ID), cart.UpdatedAt.UTC().UnixNano())
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:8]))
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id,omitempty"`
	Currency   string            `json:"currency"`
	ItemsCount int               `json:"items_count"`
	Items      []cartItemPayload `json:"items"`
	Subtotal   int64             `json:"subtotal"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type cartItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Display   string `json:"display_price"`
	ImageRef  string `json:"image_ref,omitempty"`
	Category  string `json:"category,omitempty"`
}
