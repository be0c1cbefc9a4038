package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/repositories"
	"github.com/freshstl/storefront/internal/services"
)

type stubCartService struct {
	services.CartService
	createFn func(context.Context, services.CreateCartCommand) (services.Cart, error)
	getFn    func(context.Context, services.Actor, string) (services.Cart, error)
	addFn    func(context.Context, services.AddCartItemCommand) (services.Cart, error)
	removeFn func(context.Context, services.RemoveCartItemCommand) (services.Cart, error)
}

func (s *stubCartService) CreateCart(ctx context.Context, cmd services.CreateCartCommand) (services.Cart, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubCartService) GetCart(ctx context.Context, actor services.Actor, id string) (services.Cart, error) {
	return s.getFn(ctx, actor, id)
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	return s.addFn(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
	return s.removeFn(ctx, cmd)
}

type stubCheckoutService struct {
	services.CheckoutService
	startFn     func(context.Context, services.StartCheckoutCommand) (services.Wizard, error)
	getFn       func(context.Context, services.WizardCommand) (services.Wizard, error)
	advanceFn   func(context.Context, services.AdvanceCommand) (services.AdvanceResult, error)
	couponFn    func(context.Context, services.ApplyCouponCommand) (services.Wizard, error)
	confirmFn   func(context.Context, services.ConfirmPaymentCommand) (services.Wizard, error)
	verifyFn    func(context.Context, services.ConfirmPaymentCommand) (services.WalletVerification, error)
	freeFn      func(context.Context, services.WizardCommand) (services.Wizard, error)
	reconcileFn func(context.Context, string) (services.Wizard, error)
}

func (s *stubCheckoutService) Start(ctx context.Context, cmd services.StartCheckoutCommand) (services.Wizard, error) {
	return s.startFn(ctx, cmd)
}

func (s *stubCheckoutService) GetWizard(ctx context.Context, cmd services.WizardCommand) (services.Wizard, error) {
	return s.getFn(ctx, cmd)
}

func (s *stubCheckoutService) Advance(ctx context.Context, cmd services.AdvanceCommand) (services.AdvanceResult, error) {
	return s.advanceFn(ctx, cmd)
}

func (s *stubCheckoutService) ApplyCoupon(ctx context.Context, cmd services.ApplyCouponCommand) (services.Wizard, error) {
	return s.couponFn(ctx, cmd)
}

func (s *stubCheckoutService) ConfirmCard(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Wizard, error) {
	return s.confirmFn(ctx, cmd)
}

func (s *stubCheckoutService) VerifyWallet(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.WalletVerification, error) {
	return s.verifyFn(ctx, cmd)
}

func (s *stubCheckoutService) PlaceFreeOrder(ctx context.Context, cmd services.WizardCommand) (services.Wizard, error) {
	return s.freeFn(ctx, cmd)
}

func (s *stubCheckoutService) Reconcile(ctx context.Context, wizardID string) (services.Wizard, error) {
	return s.reconcileFn(ctx, wizardID)
}

type stubOrderService struct {
	listFn       func(context.Context, services.Actor, services.Pagination) (domain.Page[services.Order], error)
	getFn        func(context.Context, services.Actor, string) (services.Order, error)
	operatorFn   func(context.Context, string) (services.Order, error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
}

func (s *stubOrderService) ListOrders(ctx context.Context, actor services.Actor, pager services.Pagination) (domain.Page[services.Order], error) {
	return s.listFn(ctx, actor, pager)
}

func (s *stubOrderService) GetOrder(ctx context.Context, actor services.Actor, id string) (services.Order, error) {
	return s.getFn(ctx, actor, id)
}

func (s *stubOrderService) GetOrderForOperator(ctx context.Context, id string) (services.Order, error) {
	return s.operatorFn(ctx, id)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	return s.transitionFn(ctx, cmd)
}

type stubPurchaseService struct {
	listFn     func(context.Context, services.Actor, services.Pagination) (domain.Page[services.Purchase], error)
	downloadFn func(context.Context, services.Actor, string) (services.DownloadLink, error)
}

func (s *stubPurchaseService) ListPurchases(ctx context.Context, actor services.Actor, pager services.Pagination) (domain.Page[services.Purchase], error) {
	return s.listFn(ctx, actor, pager)
}

func (s *stubPurchaseService) DownloadURL(ctx context.Context, actor services.Actor, id string) (services.DownloadLink, error) {
	return s.downloadFn(ctx, actor, id)
}

type stubPaymentMethodService struct {
	methods []services.PaymentMethod
	deleted []string
	err     error
}

func (s *stubPaymentMethodService) List(context.Context, services.Actor) ([]services.PaymentMethod, error) {
	return s.methods, s.err
}

func (s *stubPaymentMethodService) Delete(_ context.Context, _ services.Actor, id string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, id)
	return nil
}

type stubWebhookService struct {
	payload   []byte
	signature string
	err       error
}

func (s *stubWebhookService) HandleStripe(_ context.Context, payload []byte, signature string) error {
	s.payload = payload
	s.signature = signature
	return s.err
}

type stubHealthRepository struct {
	report repositories.HealthReport
	err    error
}

func (s stubHealthRepository) Collect(context.Context) (repositories.HealthReport, error) {
	return s.report, s.err
}

func withUser(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Email: uid + "@example.com"}))
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", rr.Body.String(), err)
	}
	return body
}
