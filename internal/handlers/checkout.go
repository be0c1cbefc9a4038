package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/platform/httpx"
	"github.com/freshstl/storefront/internal/platform/requestctx"
	"github.com/freshstl/storefront/internal/services"
)

// CheckoutHandlers exposes the checkout wizard. Guests may check out; the customer step signs them in.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards the settlement endpoints (confirm, verify, free-order) with mw.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
	}
}

// WithCheckoutRateLimit bounds advance and coupon calls per caller.
func WithCheckoutRateLimit(perMinute, burst int) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newKeyedRateLimiter(perMinute, burst, nil)
	}
}

// NewCheckoutHandlers constructs checkout handlers with optional Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	settle := func(next http.Handler) http.Handler { return next }
	if h.idempotency != nil {
		settle = h.idempotency
	}
	limited := limitByClient(h.limiter)

	r.Post("/wizards", h.start)
	r.Route("/wizards/{wizardID}", func(wr chi.Router) {
		wr.Use(tagWizard)
		wr.Get("/", h.getWizard)
		wr.Post("/proceed", h.proceed)
		wr.Put("/billing", h.updateBilling)
		wr.With(limited).Post("/advance", h.advance)
		wr.Post("/back", h.back)
		wr.Post("/cancel", h.cancel)
		wr.Post("/resume", h.resume)
		wr.With(limited).Put("/coupon", h.applyCoupon)
		wr.Delete("/coupon", h.removeCoupon)
		wr.Put("/payment-method", h.selectPaymentMethod)
		wr.Post("/session/retry", h.retrySession)
		wr.With(settle).Post("/confirm", h.confirm)
		wr.With(settle).Post("/verify", h.verify)
		wr.With(settle).Post("/free-order", h.freeOrder)
	})
}

func tagWizard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "wizardID"))
		next.ServeHTTP(w, r.WithContext(requestctx.WithWizardID(r.Context(), id)))
	})
}

type startCheckoutRequest struct {
	CartID       string `json:"cart_id"`
	CurrencyHint string `json:"currency_hint"`
	CountryHint  string `json:"country_hint"`
}

type billingRequest struct {
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	City        string `json:"city"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"`
}

func (b billingRequest) profile() services.BillingProfile {
	return services.BillingProfile{
		FullName:    b.FullName,
		Email:       b.Email,
		Phone:       b.Phone,
		Address:     b.Address,
		City:        b.City,
		PostalCode:  b.PostalCode,
		CountryCode: b.CountryCode,
	}
}

type updateBillingRequest struct {
	Billing billingRequest `json:"billing"`
}

type advanceRequest struct {
	Billing     billingRequest `json:"billing"`
	Password    string         `json:"password"`
	AccountMode string         `json:"account_mode"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type paymentMethodSelectionRequest struct {
	SavedMethodID string `json:"saved_method_id"`
	SaveCard      bool   `json:"save_card"`
}

type confirmRequest struct {
	TransactionID string `json:"transaction_id"`
}

func wizardCommand(r *http.Request) services.WizardCommand {
	return services.WizardCommand{
		Actor:    actorFromRequest(r),
		WizardID: chi.URLParam(r, "wizardID"),
	}
}

func (h *CheckoutHandlers) start(w http.ResponseWriter, r *http.Request) {
	var req startCheckoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wizard, err := h.checkout.Start(r.Context(), services.StartCheckoutCommand{
		Actor:        actorFromRequest(r),
		CartID:       req.CartID,
		CurrencyHint: req.CurrencyHint,
		CountryHint:  req.CountryHint,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeWizard(w, http.StatusCreated, wizard)
}

func (h *CheckoutHandlers) getWizard(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.checkout.GetWizard(r.Context(), wizardCommand(r)))
}

func (h *CheckoutHandlers) proceed(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.checkout.Proceed(r.Context(), wizardCommand(r)))
}

func (h *CheckoutHandlers) updateBilling(w http.ResponseWriter, r *http.Request) {
	var req updateBillingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.checkout.UpdateBilling(r.Context(), services.UpdateBillingCommand{
		WizardCommand: wizardCommand(r),
		Billing:       req.Billing.profile(),
	}))
}

func (h *CheckoutHandlers) advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.checkout.Advance(r.Context(), services.AdvanceCommand{
		WizardCommand: wizardCommand(r),
		Billing:       req.Billing.profile(),
		Password:      req.Password,
		AccountMode:   services.AccountMode(strings.ToLower(strings.TrimSpace(req.AccountMode))),
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, advanceResponse{
		Wizard:  buildWizardPayload(result.Wizard),
		IDToken: result.IDToken,
		UserID:  result.UserID,
	})
}

func (h *CheckoutHandlers) back(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.checkout.Back(r.Context(), wizardCommand(r)))
}

func (h *CheckoutHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.checkout.Cancel(r.Context(), wizardCommand(r)))
}

func (h *CheckoutHandlers) resume(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.checkout.Resume(r.Context(), wizardCommand(r)))
}

func (h *CheckoutHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.checkout.ApplyCoupon(r.Context(), services.ApplyCouponCommand{
		WizardCommand: wizardCommand(r),
		Code:          req.Code,
	}))
}

func (h *CheckoutHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.checkout.RemoveCoupon(r.Context(), wizardCommand(r)))
}

func (h *CheckoutHandlers) selectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodSelectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.checkout.SelectPaymentMethod(r.Context(), services.SelectPaymentMethodCommand{
		WizardCommand: wizardCommand(r),
		SavedMethodID: req.SavedMethodID,
		SaveCard:      req.SaveCard,
	}))
}

func (h *CheckoutHandlers) retrySession(w http.ResponseWriter, r *http.Request) {
	wizard, err := h.checkout.RetrySession(r.Context(), wizardCommand(r))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeWizard(w, http.StatusAccepted, wizard)
}

func (h *CheckoutHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wizard, err := h.checkout.ConfirmCard(r.Context(), services.ConfirmPaymentCommand{
		WizardCommand: wizardCommand(r),
		TransactionID: req.TransactionID,
	})
	h.writeSettlement(w, r, wizard, err)
}

func (h *CheckoutHandlers) verify(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.checkout.VerifyWallet(r.Context(), services.ConfirmPaymentCommand{
		WizardCommand: wizardCommand(r),
		TransactionID: req.TransactionID,
	})
	if err == nil && result.Pending {
		// Pending is not a final outcome, so it must not be replayed for the idempotency key.
		w.Header().Set("Retry-After", "5")
		writeJSONResponse(w, http.StatusAccepted, wizardResponse{Wizard: buildWizardPayload(result.Wizard), Pending: true})
		return
	}
	h.writeSettlement(w, r, result.Wizard, err)
}

func (h *CheckoutHandlers) freeOrder(w http.ResponseWriter, r *http.Request) {
	wizard, err := h.checkout.PlaceFreeOrder(r.Context(), wizardCommand(r))
	h.writeSettlement(w, r, wizard, err)
}

// writeSettlement reports a fulfillment failure together with the support reference stored on the wizard.
func (h *CheckoutHandlers) writeSettlement(w http.ResponseWriter, r *http.Request, wizard services.Wizard, err error) {
	if err == nil {
		writeWizard(w, http.StatusOK, wizard)
		return
	}
	if errors.Is(err, services.ErrFulfillment) && wizard.Failure != nil {
		httpErr := serviceHTTPError(r.Context(), err).WithDetails(map[string]any{
			"support_reference": wizard.Failure.Reference,
			"wizard":            buildWizardPayload(wizard),
		})
		httpx.WriteError(r.Context(), w, httpErr)
		return
	}
	writeServiceError(r.Context(), w, err)
}

func (h *CheckoutHandlers) respond(w http.ResponseWriter, r *http.Request) func(services.Wizard, error) {
	return func(wizard services.Wizard, err error) {
		if err != nil {
			writeServiceError(r.Context(), w, err)
			return
		}
		writeWizard(w, http.StatusOK, wizard)
	}
}

func writeWizard(w http.ResponseWriter, status int, wizard services.Wizard) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, status, wizardResponse{Wizard: buildWizardPayload(wizard)})
}

type wizardResponse struct {
	Wizard  wizardPayload `json:"wizard"`
	Pending bool          `json:"pending,omitempty"`
}

type advanceResponse struct {
	Wizard  wizardPayload `json:"wizard"`
	IDToken string        `json:"id_token,omitempty"`
	UserID  string        `json:"user_id,omitempty"`
}

type wizardPayload struct {
	ID             string                `json:"id"`
	CartID         string                `json:"cart_id"`
	Step           string                `json:"step"`
	Gateway        string                `json:"gateway"`
	Currency       string                `json:"currency"`
	TestMode       bool                  `json:"test_mode"`
	Items          []cartItemPayload     `json:"items"`
	Coupon         *couponPayload        `json:"coupon,omitempty"`
	Totals         totalsPayload         `json:"totals"`
	Billing        billingPayload        `json:"billing"`
	SavedMethodID  string                `json:"saved_method_id,omitempty"`
	SaveCard       bool                  `json:"save_card"`
	SessionPending bool                  `json:"session_pending"`
	Session        *sessionPayload       `json:"session,omitempty"`
	SessionError   *sessionErrorPayload  `json:"session_error,omitempty"`
	OrderID        string                `json:"order_id,omitempty"`
	Failure        *wizardFailurePayload `json:"failure,omitempty"`
	UpdatedAt      string                `json:"updated_at,omitempty"`
}

type couponPayload struct {
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount_percent"`
}

type totalsPayload struct {
	Subtotal     int64  `json:"subtotal"`
	Discount     int64  `json:"discount"`
	Total        int64  `json:"total"`
	DisplayTotal string `json:"display_total"`
}

type billingPayload struct {
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	CountryCode string `json:"country_code"`
}

type sessionPayload struct {
	ID           string `json:"id"`
	Gateway      string `json:"gateway"`
	Mode         string `json:"mode"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

type sessionErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type wizardFailurePayload struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
	At        string `json:"at,omitempty"`
}

func buildWizardPayload(wizard services.Wizard) wizardPayload {
	cart := buildCartPayload(services.Cart{Items: wizard.Items, Currency: wizard.Currency})
	payload := wizardPayload{
		ID:       wizard.ID,
		CartID:   wizard.CartID,
		Step:     string(wizard.Step),
		Gateway:  string(wizard.Gateway),
		Currency: wizard.Currency,
		TestMode: wizard.Settings.IsTester(wizard.UserID, wizard.Billing.Email),
		Items:    cart.Items,
		Totals: totalsPayload{
			Subtotal:     wizard.Totals.Subtotal,
			Discount:     wizard.Totals.Discount,
			Total:        wizard.Totals.Total,
			DisplayTotal: domain.FormatAmount(wizard.Totals.Total, wizard.Currency),
		},
		Billing:       buildBillingPayload(wizard.Billing),
		SavedMethodID: wizard.SavedMethodID,
		SaveCard:      wizard.SaveCard,
		OrderID:       wizard.OrderID,
		UpdatedAt:     formatTime(wizard.UpdatedAt),
	}
	if wizard.Coupon != nil {
		payload.Coupon = &couponPayload{Code: wizard.Coupon.Code, DiscountPercent: wizard.Coupon.DiscountPercent}
	}
	if s := wizard.Session; s != nil {
		payload.Session = &sessionPayload{
			ID:           s.ID,
			Gateway:      string(s.Gateway),
			Mode:         string(s.Mode),
			ClientSecret: s.Secret,
			RedirectURL:  s.RedirectURL,
			Amount:       s.Amount,
			Currency:     s.Currency,
			ExpiresAt:    formatTime(s.ExpiresAt),
		}
	}
	if e := wizard.SessionError; e != nil {
		payload.SessionError = &sessionErrorPayload{Kind: string(e.Kind), Message: e.Message}
	}
	payload.SessionPending = wizard.Step == domain.StepPayment && wizard.Totals.Total > 0 &&
		wizard.Session == nil && wizard.SessionError == nil && wizard.Failure == nil
	if f := wizard.Failure; f != nil {
		payload.Failure = &wizardFailurePayload{
			Kind:      string(f.Kind),
			Reference: f.Reference,
			Message:   f.Message,
			At:        formatTime(f.At),
		}
	}
	return payload
}

func buildBillingPayload(b services.BillingProfile) billingPayload {
	return billingPayload{
		FullName:    b.FullName,
		Email:       b.Email,
		Phone:       b.Phone,
		Address:     b.Address,
		City:        b.City,
		PostalCode:  b.PostalCode,
		CountryCode: b.CountryCode,
	}
}
