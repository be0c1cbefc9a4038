package services

import (
	"context"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
	pstorage "github.com/freshstl/storefront/internal/platform/storage"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination       = domain.Pagination
	Cart             = domain.Cart
	CartLineItem     = domain.CartLineItem
	Order            = domain.Order
	OrderStatus      = domain.OrderStatus
	Purchase         = domain.Purchase
	Wizard           = domain.Wizard
	WizardStep       = domain.WizardStep
	BillingProfile   = domain.BillingProfile
	Totals           = domain.Totals
	Coupon           = domain.Coupon
	PaymentMethod    = domain.PaymentMethod
	CheckoutSettings = domain.CheckoutSettings
	GatewaySession   = domain.GatewaySession
)

// Actor is the caller of a service operation. An empty UserID is a guest.
type Actor struct {
	UserID string
	Email  string
}

// CartService manages server-held carts.
type CartService interface {
	CreateCart(ctx context.Context, cmd CreateCartCommand) (Cart, error)
	GetCart(ctx context.Context, actor Actor, cartID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ClearCart(ctx context.Context, actor Actor, cartID string) (Cart, error)
}

// CheckoutService drives the checkout wizard from cart to completed order.
type CheckoutService interface {
	Start(ctx context.Context, cmd StartCheckoutCommand) (Wizard, error)
	GetWizard(ctx context.Context, cmd WizardCommand) (Wizard, error)
	Proceed(ctx context.Context, cmd WizardCommand) (Wizard, error)
	UpdateBilling(ctx context.Context, cmd UpdateBillingCommand) (Wizard, error)
	Advance(ctx context.Context, cmd AdvanceCommand) (AdvanceResult, error)
	Back(ctx context.Context, cmd WizardCommand) (Wizard, error)
	Cancel(ctx context.Context, cmd WizardCommand) (Wizard, error)
	Resume(ctx context.Context, cmd WizardCommand) (Wizard, error)
	ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (Wizard, error)
	RemoveCoupon(ctx context.Context, cmd WizardCommand) (Wizard, error)
	SelectPaymentMethod(ctx context.Context, cmd SelectPaymentMethodCommand) (Wizard, error)
	RetrySession(ctx context.Context, cmd WizardCommand) (Wizard, error)
	ConfirmCard(ctx context.Context, cmd ConfirmPaymentCommand) (Wizard, error)
	VerifyWallet(ctx context.Context, cmd ConfirmPaymentCommand) (WalletVerification, error)
	PlaceFreeOrder(ctx context.Context, cmd WizardCommand) (Wizard, error)
	// Reconcile re-verifies a claimed or failed payment with the gateway and commits it. Operator use only.
	Reconcile(ctx context.Context, wizardID string) (Wizard, error)
}

// OrderService reads orders and applies post-commit status transitions.
type OrderService interface {
	GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error)
	ListOrders(ctx context.Context, actor Actor, pager Pagination) (domain.Page[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	// GetOrderForOperator bypasses ownership checks.
	GetOrderForOperator(ctx context.Context, orderID string) (Order, error)
}

// PurchaseService lists purchases and issues download links.
type PurchaseService interface {
	ListPurchases(ctx context.Context, actor Actor, pager Pagination) (domain.Page[Purchase], error)
	DownloadURL(ctx context.Context, actor Actor, purchaseID string) (DownloadLink, error)
}

// PaymentMethodService manages saved cards.
type PaymentMethodService interface {
	List(ctx context.Context, actor Actor) ([]PaymentMethod, error)
	Delete(ctx context.Context, actor Actor, methodID string) error
}

// SettingsProvider hands out immutable checkout settings snapshots.
type SettingsProvider interface {
	Current() CheckoutSettings
}

// WebhookService applies PSP notifications to orders.
type WebhookService interface {
	HandleStripe(ctx context.Context, payload []byte, signature string) error
}

// CreateCartCommand creates a cart for a guest or a signed-in user.
type CreateCartCommand struct {
	Actor    Actor
	Currency string
}

// AddCartItemCommand adds a product by id.
type AddCartItemCommand struct {
	Actor     Actor
	CartID    string
	ProductID string
}

// RemoveCartItemCommand removes a product line.
type RemoveCartItemCommand struct {
	Actor     Actor
	CartID    string
	ProductID string
}

// StartCheckoutCommand opens a wizard for a cart.
type StartCheckoutCommand struct {
	Actor        Actor
	CartID       string
	CurrencyHint string
	CountryHint  string
}

// WizardCommand addresses a wizard on behalf of an actor.
type WizardCommand struct {
	Actor    Actor
	WizardID string
}

// UpdateBillingCommand replaces the billing profile draft.
type UpdateBillingCommand struct {
	WizardCommand
	Billing BillingProfile
}

// AccountMode selects the identity side effect of the customer step.
type AccountMode string

const (
	AccountModeLogin    AccountMode = "login"
	AccountModeRegister AccountMode = "register"
)

// AdvanceCommand moves the wizard from customer_info to payment.
type AdvanceCommand struct {
	WizardCommand
	Billing     BillingProfile
	Password    string
	AccountMode AccountMode
}

// AdvanceResult carries the wizard and, after a login or registration, the customer's ID token.
type AdvanceResult struct {
	Wizard  Wizard
	IDToken string
	UserID  string
}

// ApplyCouponCommand applies a coupon code.
type ApplyCouponCommand struct {
	WizardCommand
	Code string
}

// SelectPaymentMethodCommand chooses between a saved card and a new one.
type SelectPaymentMethodCommand struct {
	WizardCommand
	SavedMethodID string
	SaveCard      bool
}

// ConfirmPaymentCommand reports a gateway transaction the client believes is paid.
type ConfirmPaymentCommand struct {
	WizardCommand
	TransactionID string
}

// WalletVerification is the outcome of polling the wallet gateway.
type WalletVerification struct {
	Wizard  Wizard
	Pending bool
}

// OrderStatusTransitionCommand moves an order along its status table.
type OrderStatusTransitionCommand struct {
	OrderID string
	Target  OrderStatus
	Reason  string
	ActorID string
}

// DownloadLink is a short-lived signed URL.
type DownloadLink struct {
	URL       string
	FileName  string
	ExpiresAt time.Time
}

// PaymentResolver finds the payments provider for a gateway and mode.
type PaymentResolver interface {
	Resolve(gateway domain.Gateway, mode domain.PaymentMode) (payments.Provider, error)
}

// IdentityProvider performs the login and register side effects of the customer step.
type IdentityProvider interface {
	Login(ctx context.Context, email, password string) (IdentitySession, error)
	Register(ctx context.Context, email, password, fullName string) (IdentitySession, error)
}

// IdentitySession is the result of a successful login or registration.
type IdentitySession struct {
	UID     string
	Email   string
	IDToken string
}

// OrderEventPublisher emits order lifecycle events.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// ReceiptRenderer renders the receipt e-mail carried on order.completed events.
type ReceiptRenderer interface {
	Render(order Order) (Receipt, error)
}

// CheckoutMetrics records orchestration outcomes.
type CheckoutMetrics interface {
	RecordSession(ctx context.Context, gateway, mode, outcome string, took time.Duration)
	RecordFulfillment(ctx context.Context, gateway, outcome string)
	RecordTransition(ctx context.Context, from, to string)
}

// DownloadSigner issues signed object URLs.
type DownloadSigner interface {
	DownloadURL(ctx context.Context, bucket, object string, opts pstorage.DownloadOptions) (pstorage.SignedURL, error)
}

// PaymentMethodDetacher removes a saved method at the PSP.
type PaymentMethodDetacher interface {
	Detach(ctx context.Context, token string) error
}

// PaymentMethodLookup reads card metadata from the PSP.
type PaymentMethodLookup interface {
	Lookup(ctx context.Context, token string) (payments.PaymentMethodDetails, error)
}

// Logger is the structured event logger injected into services.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

type nopMetrics struct{}

func (nopMetrics) RecordSession(context.Context, string, string, string, time.Duration) {}
func (nopMetrics) RecordFulfillment(context.Context, string, string)                    {}
func (nopMetrics) RecordTransition(context.Context, string, string)                     {}
