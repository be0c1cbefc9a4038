package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Products() ProductRepository
	Orders() OrderRepository
	Purchases() PurchaseRepository
	Coupons() CouponRepository
	Settings() SettingsRepository
	Customers() CustomerRepository
	PaymentMethods() PaymentMethodRepository
	Fulfillment() FulfillmentRepository
	Wizards() WizardStore
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err carries a not-found repository classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a conflict repository classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries an unavailable repository classification.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// CartRepository persists server-held carts.
type CartRepository interface {
	Get(ctx context.Context, cartID string) (domain.Cart, error)
	// Save upserts the cart. When expectedUpdate is non-nil the write is rejected with a conflict if the
	// stored document changed since then.
	Save(ctx context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error)
	Delete(ctx context.Context, cartID string) error
}

// ProductRepository resolves read-only catalog projections.
type ProductRepository interface {
	Get(ctx context.Context, productID string) (domain.Product, error)
}

// OrderRepository reads committed orders and applies status transitions.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.Page[domain.Order], error)
	// UpdateStatus applies mutate to the stored order inside a transaction and persists the result.
	UpdateStatus(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error)
}

// PurchaseRepository reads the purchases nested under a user.
type PurchaseRepository interface {
	Get(ctx context.Context, userID, purchaseID string) (domain.Purchase, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.Page[domain.Purchase], error)
}

// CouponRepository looks coupons up by code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// SettingsRepository loads and watches the checkout settings document.
type SettingsRepository interface {
	Load(ctx context.Context) (domain.CheckoutSettings, error)
	// Watch invokes fn with every new snapshot until ctx is cancelled or the stream fails.
	Watch(ctx context.Context, fn func(domain.CheckoutSettings)) error
}

// CustomerRepository stores per-user processor references.
type CustomerRepository interface {
	Get(ctx context.Context, userID string) (domain.CustomerProfile, error)
	SetStripeCustomer(ctx context.Context, userID string, mode domain.PaymentMode, customerID string) error
}

// PaymentMethodRepository persists saved card references under a user.
type PaymentMethodRepository interface {
	List(ctx context.Context, userID string) ([]domain.PaymentMethod, error)
	Get(ctx context.Context, userID, methodID string) (domain.PaymentMethod, error)
	Insert(ctx context.Context, userID string, method domain.PaymentMethod) (domain.PaymentMethod, error)
	Delete(ctx context.Context, userID, methodID string) error
}

// FulfillmentRepository atomically writes an order, its purchases and clears the cart.
type FulfillmentRepository interface {
	// Commit returns ErrAlreadyCommitted together with the stored order when orders/{order.ID} exists.
	Commit(ctx context.Context, order domain.Order, purchases []domain.Purchase, cartID string) (domain.Order, error)
}

// ErrAlreadyCommitted signals that the order document already exists.
var ErrAlreadyCommitted = errors.New("order already committed")

// WizardStore holds checkout wizard records.
type WizardStore interface {
	Create(ctx context.Context, wizard *domain.Wizard) error
	Get(ctx context.Context, wizardID string) (*domain.Wizard, error)
	// Update loads the wizard, applies fn and persists the result atomically with respect to other updates
	// of the same wizard. Returning an error from fn aborts the write.
	Update(ctx context.Context, wizardID string, fn func(*domain.Wizard) error) (*domain.Wizard, error)
}

// HealthRepository probes backing dependencies for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (HealthReport, error)
}
