package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/platform/config"
	"github.com/freshstl/storefront/internal/platform/observability"
	"github.com/freshstl/storefront/internal/repositories"
	"github.com/freshstl/storefront/internal/services"
)

// WebhookParser verifies and decodes PSP webhook deliveries.
type WebhookParser interface {
	Parse(payload []byte, signature string) (payments.WebhookEvent, error)
}

// CardDirectory reads and detaches saved cards at the card gateway.
type CardDirectory interface {
	services.PaymentMethodLookup
	services.PaymentMethodDetacher
}

// Infrastructure carries the external clients the services talk to. Webhooks, Cards, Downloads,
// Publisher and Receipts are optional; the features they back are disabled when nil.
type Infrastructure struct {
	Logger    *zap.Logger
	Payments  services.PaymentResolver
	Identity  services.IdentityProvider
	Webhooks  WebhookParser
	Cards     CardDirectory
	Downloads services.DownloadSigner
	Publisher services.OrderEventPublisher
	Receipts  services.ReceiptRenderer
	Metrics   services.CheckoutMetrics
	Clock     func() time.Time
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Settings       *services.SettingsService
	Sessions       *services.SessionCoordinator
	Fulfillment    *services.FulfillmentService
	Cart           services.CartService
	Checkout       services.CheckoutService
	Orders         services.OrderService
	Purchases      services.PurchaseService
	PaymentMethods services.PaymentMethodService
	Webhooks       services.WebhookService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	logger  *zap.Logger
	closers []func(context.Context) error
}

// NewContainer constructs the service layer on top of reg and infra.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Payments == nil {
		return nil, errors.New("payment resolver is required")
	}
	if infra.Identity == nil {
		return nil, errors.New("identity provider is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		logger:       infra.Logger,
	}, nil
}

// Run keeps the settings snapshot live until ctx is cancelled.
func (c *Container) Run(ctx context.Context) error {
	if c == nil || c.Services.Settings == nil {
		return nil
	}
	return c.Services.Settings.Run(ctx)
}

// OnClose registers a shutdown hook run before the repositories close.
func (c *Container) OnClose(fn func(context.Context) error) {
	if c != nil && fn != nil {
		c.closers = append(c.closers, fn)
	}
}

// Close stops pending session work, then releases repository clients and registered hooks.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Services.Sessions != nil {
		c.Services.Sessions.Close()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i](ctx))
	}
	if c.Repositories != nil {
		errs = append(errs, c.Repositories.Close(ctx))
	}
	return errors.Join(errs...)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	logger := func(name string) services.Logger {
		return services.Logger(observability.ServiceLogger(infra.Logger, name))
	}

	settings, err := services.NewSettingsService(ctx, services.SettingsServiceDeps{
		Repository: reg.Settings(),
		Defaults:   SettingsDefaults(cfg.Checkout),
		Logger:     logger("settings"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settings service: %w", err)
	}
	svc.Settings = settings

	svc.Cart, err = services.NewCartService(services.CartServiceDeps{
		Repository:      reg.Carts(),
		Products:        reg.Products(),
		Clock:           infra.Clock,
		DefaultCurrency: cfg.Checkout.DefaultCurrency,
		Logger:          logger("cart"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}

	promotions, err := services.NewPromotionService(services.PromotionServiceDeps{Coupons: reg.Coupons()})
	if err != nil {
		return Services{}, fmt.Errorf("build promotion service: %w", err)
	}

	accounts, err := services.NewAccountService(services.AccountServiceDeps{
		Identity:  infra.Identity,
		LoginRate: loginRate(cfg.Checkout.LoginAttemptsPerMin),
		Clock:     infra.Clock,
		Logger:    logger("account"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build account service: %w", err)
	}

	initializer, err := services.NewSessionInitializer(services.SessionInitializerDeps{
		Payments:  infra.Payments,
		Customers: reg.Customers(),
		Clock:     infra.Clock,
		Logger:    logger("session"),
		Metrics:   infra.Metrics,
		Timeout:   cfg.Payments.GatewayTimeout,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build session initializer: %w", err)
	}

	svc.Sessions, err = services.NewSessionCoordinator(services.SessionCoordinatorDeps{
		Store:       reg.Wizards(),
		Initializer: initializer,
		Debounce:    cfg.Checkout.SessionDebounce,
		Timeout:     cfg.Payments.GatewayTimeout,
		Clock:       infra.Clock,
		Logger:      logger("session"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build session coordinator: %w", err)
	}

	svc.Fulfillment, err = services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Repository: reg.Fulfillment(),
		Products:   reg.Products(),
		Publisher:  infra.Publisher,
		Receipts:   infra.Receipts,
		Clock:      infra.Clock,
		Logger:     logger("fulfillment"),
		Metrics:    infra.Metrics,
		Timeout:    cfg.Payments.GatewayTimeout,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment service: %w", err)
	}

	checkoutDeps := services.CheckoutServiceDeps{
		Carts:          reg.Carts(),
		Wizards:        reg.Wizards(),
		PaymentMethods: reg.PaymentMethods(),
		Settings:       settings,
		Promotions:     promotions,
		Accounts:       accounts,
		Sessions:       svc.Sessions,
		Payments:       infra.Payments,
		Fulfillment:    svc.Fulfillment,
		Clock:          infra.Clock,
		Logger:         logger("checkout"),
		Metrics:        infra.Metrics,
		GatewayTimeout: cfg.Payments.GatewayTimeout,

		WalletPollAttempts: cfg.Payments.WalletPollAttempts,
		WalletPollInterval: cfg.Payments.WalletPollInterval,
	}
	if infra.Cards != nil {
		checkoutDeps.CardLookup = infra.Cards
	}
	svc.Checkout, err = services.NewCheckoutService(checkoutDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Clock:  infra.Clock,
		Logger: logger("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	methodDeps := services.PaymentMethodServiceDeps{
		Repository: reg.PaymentMethods(),
		Logger:     logger("payment_methods"),
	}
	if infra.Cards != nil {
		methodDeps.Detachers = map[string]services.PaymentMethodDetacher{"stripe": infra.Cards}
	}
	svc.PaymentMethods, err = services.NewPaymentMethodService(methodDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build payment method service: %w", err)
	}

	if infra.Downloads != nil && strings.TrimSpace(cfg.Storage.ProductsBucket) != "" {
		svc.Purchases, err = services.NewPurchaseService(services.PurchaseServiceDeps{
			Purchases:   reg.Purchases(),
			Signer:      infra.Downloads,
			Bucket:      cfg.Storage.ProductsBucket,
			DownloadTTL: cfg.Storage.DownloadURLTTL,
			Logger:      logger("purchases"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build purchase service: %w", err)
		}
	}

	if infra.Webhooks != nil {
		svc.Webhooks, err = services.NewWebhookService(services.WebhookServiceDeps{
			Parser: infra.Webhooks,
			Orders: svc.Orders,
			Logger: logger("webhooks"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build webhook service: %w", err)
		}
	}

	return svc, nil
}

// SettingsDefaults converts the environment fallback into the settings snapshot used until the
// settings document loads.
func SettingsDefaults(cfg config.CheckoutConfig) domain.CheckoutSettings {
	return domain.CheckoutSettings{
		GatewayMode:        domain.GatewayMode(strings.ToLower(strings.TrimSpace(cfg.GatewayMode))),
		DefaultCurrency:    strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency)),
		RegionalCurrency:   strings.ToUpper(strings.TrimSpace(cfg.RegionalCurrency)),
		Testers:            append([]string(nil), cfg.Testers...),
		SupportedCountries: append([]string(nil), cfg.SupportedCountries...),
	}
}

func loginRate(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return 0
	}
	return rate.Limit(float64(perMinute) / 60.0)
}
