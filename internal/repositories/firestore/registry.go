package firestore

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/freshstl/storefront/internal/domain"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/repositories"
)

// Registry bundles the Firestore repositories with the wizard store and health probes.
type Registry struct {
	provider *pfirestore.Provider

	carts          *CartRepository
	products       *ProductRepository
	orders         *OrderRepository
	purchases      *PurchaseRepository
	coupons        *CouponRepository
	settings       *SettingsRepository
	customers      *CustomerRepository
	paymentMethods *PaymentMethodRepository
	fulfillment    *FulfillmentRepository

	wizards repositories.WizardStore
	health  repositories.HealthRepository
	closers []func(context.Context) error
}

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithHealth sets the readiness probe repository.
func WithHealth(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) { r.health = health }
}

// WithCloser registers an extra shutdown hook, e.g. the Redis client backing the wizard store.
func WithCloser(fn func(context.Context) error) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.closers = append(r.closers, fn)
		}
	}
}

// NewRegistry constructs every Firestore repository on provider.
func NewRegistry(provider *pfirestore.Provider, wizards repositories.WizardStore, settingsDefaults domain.CheckoutSettings, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	if wizards == nil {
		return nil, errors.New("registry requires wizard store")
	}
	reg := &Registry{provider: provider, wizards: wizards}
	var err error
	build := func(name string, fn func() error) {
		if err == nil {
			if buildErr := fn(); buildErr != nil {
				err = fmt.Errorf("build %s repository: %w", name, buildErr)
			}
		}
	}
	build("cart", func() (e error) { reg.carts, e = NewCartRepository(provider); return })
	build("product", func() (e error) { reg.products, e = NewProductRepository(provider); return })
	build("order", func() (e error) { reg.orders, e = NewOrderRepository(provider); return })
	build("purchase", func() (e error) { reg.purchases, e = NewPurchaseRepository(provider); return })
	build("coupon", func() (e error) { reg.coupons, e = NewCouponRepository(provider); return })
	build("settings", func() (e error) { reg.settings, e = NewSettingsRepository(provider, settingsDefaults); return })
	build("customer", func() (e error) { reg.customers, e = NewCustomerRepository(provider); return })
	build("payment method", func() (e error) { reg.paymentMethods, e = NewPaymentMethodRepository(provider); return })
	build("fulfillment", func() (e error) { reg.fulfillment, e = NewFulfillmentRepository(provider); return })
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg, nil
}

// Close releases the Firestore client and any registered closers.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, closer := range r.closers {
		errs = append(errs, closer(ctx))
	}
	errs = append(errs, r.provider.Close())
	return errors.Join(errs...)
}

func (r *Registry) Carts() repositories.CartRepository                   { return r.carts }
func (r *Registry) Products() repositories.ProductRepository             { return r.products }
func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) Purchases() repositories.PurchaseRepository           { return r.purchases }
func (r *Registry) Coupons() repositories.CouponRepository               { return r.coupons }
func (r *Registry) Settings() repositories.SettingsRepository            { return r.settings }
func (r *Registry) Customers() repositories.CustomerRepository           { return r.customers }
func (r *Registry) PaymentMethods() repositories.PaymentMethodRepository { return r.paymentMethods }
func (r *Registry) Fulfillment() repositories.FulfillmentRepository      { return r.fulfillment }
func (r *Registry) Wizards() repositories.WizardStore                    { return r.wizards }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }

var _ repositories.Registry = (*Registry)(nil)
