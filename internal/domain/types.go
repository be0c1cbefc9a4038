package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// Page represents a paginated response.
type Page[T any] struct {
	Items         []T
	NextPageToken string
}

// Gateway identifies the payment processor family handling a checkout.
type Gateway string

const (
	// GatewayCard routes the charge through the card processor (Stripe).
	GatewayCard Gateway = "card"
	// GatewayWallet routes the charge through the regional wallet processor (Flouci).
	GatewayWallet Gateway = "wallet"
)

// GatewayMode is the administrator configured gateway preference.
type GatewayMode string

const (
	GatewayModeStripe GatewayMode = "stripe"
	GatewayModeFlouci GatewayMode = "flouci"
	GatewayModeAuto   GatewayMode = "auto"
)

// PaymentMode distinguishes processor sandboxes from production charges.
type PaymentMode string

const (
	PaymentModeTest PaymentMode = "test"
	PaymentModeLive PaymentMode = "live"
)

// CartLineItem is a single product line. Carts carry no quantities, every addition is a distinct product.
type CartLineItem struct {
	ProductID string
	Name      string
	Price     int64
	ImageRef  string
	Category  string
}

// Cart holds the line items of a browsing session.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Items     []CartLineItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product is the read-only catalog projection needed to add items and fulfil purchases.
type Product struct {
	ID         string
	Name       string
	Price      int64
	ImageRef   string
	Category   string
	FileObject string
	Published  bool
}

// BillingProfile captures the customer details collected by the checkout wizard.
type BillingProfile struct {
	FullName    string `json:"fullName" validate:"required,max=120"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Phone       string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Address     string `json:"address,omitempty" validate:"omitempty,max=200"`
	City        string `json:"city,omitempty" validate:"omitempty,max=100"`
	PostalCode  string `json:"postalCode,omitempty" validate:"omitempty,max=20"`
	CountryCode string `json:"countryCode" validate:"required,len=2,supported_country"`
}

// Totals is the aggregated monetary result of pricing a cart.
type Totals struct {
	Subtotal int64
	Discount int64
	Total    int64
}

// GatewaySession is the pending charge attempt returned by a payment processor.
type GatewaySession struct {
	ID               string
	Secret           string
	RedirectURL      string
	Gateway          Gateway
	Mode             PaymentMode
	Amount           int64
	Currency         string
	SavedMethodToken string
	SaveMethod       bool
	Token            uint64
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// OrderStatus describes the lifecycle of a committed order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusRefunded  OrderStatus = "refunded"
	OrderStatusFailed    OrderStatus = "failed"
)

// OrderLineItem snapshots a purchased product, decoupled from the live catalog.
type OrderLineItem struct {
	ProductID string
	Name      string
	Price     int64
}

// Order is written exactly once per confirmed payment. ID equals TransactionID.
type Order struct {
	ID            string
	UserID        string
	TransactionID string
	Gateway       Gateway
	Mode          PaymentMode
	Currency      string
	Subtotal      int64
	Discount      int64
	Total         int64
	CouponCode    string
	Items         []OrderLineItem
	Billing       BillingProfile
	TestMode      bool
	Status        OrderStatus
	CardBrand     string
	CardLast4     string
	StatusReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Purchase grants a user access to one product of an order.
type Purchase struct {
	ID            string
	UserID        string
	OrderID       string
	TransactionID string
	ProductID     string
	ProductName   string
	PurchasedAt   time.Time
	DownloadRef   string
}

// Coupon is a percentage discount looked up by code.
type Coupon struct {
	Code            string
	DiscountPercent int
	Active          bool
}

// PaymentMethod stores PSP-backed payment references without sensitive card data.
type PaymentMethod struct {
	ID        string
	Provider  string
	Token     string
	Brand     string
	Last4     string
	ExpMonth  int
	ExpYear   int
	Mode      PaymentMode
	CreatedAt time.Time
}

// CheckoutSettings is the administrator managed configuration read by the orchestrator.
type CheckoutSettings struct {
	GatewayMode        GatewayMode
	DefaultCurrency    string
	RegionalCurrency   string
	Testers            []string
	SupportedCountries []string
	UpdatedAt          time.Time
}

// IsTester reports whether the uid or email belongs to the tester allow-list.
func (s CheckoutSettings) IsTester(uid, email string) bool {
	for _, entry := range s.Testers {
		if entry == "" {
			continue
		}
		if uid != "" && entry == uid {
			return true
		}
		if email != "" && strings.EqualFold(entry, email) {
			return true
		}
	}
	return false
}

// SupportsCountry reports whether the ISO alpha-2 code is in the supported set.
func (s CheckoutSettings) SupportsCountry(code string) bool {
	for _, c := range s.SupportedCountries {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// CustomerProfile holds the per-user processor references.
type CustomerProfile struct {
	UserID            string
	Email             string
	DisplayName       string
	StripeCustomerIDs map[PaymentMode]string
	UpdatedAt         time.Time
}
