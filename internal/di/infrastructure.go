package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/notifications"
	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/platform/config"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/platform/jobs"
	"github.com/freshstl/storefront/internal/platform/observability"
	platformstorage "github.com/freshstl/storefront/internal/platform/storage"
	"github.com/freshstl/storefront/internal/repositories"
	firestoreRepo "github.com/freshstl/storefront/internal/repositories/firestore"
	"github.com/freshstl/storefront/internal/repositories/wizards"
	"github.com/freshstl/storefront/internal/services"
)

const receiptBrand = "FreshSTL"

// Runtime is the production container plus the clients the HTTP layer needs directly.
type Runtime struct {
	*Container

	Firebase  *auth.FirebaseApp
	Firestore *firestore.Client
}

// Build dials every production dependency described by cfg and assembles the container.
// extraChecks are appended to the readiness probes.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, extraChecks ...repositories.DependencyCheck) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := pfirestore.NewProvider(cfg.Firestore)
	client, err := provider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firestore client: %w", err)
	}

	// closeStores releases Firestore (and Redis once registered) until the registry owns them.
	closeStores := func(context.Context) error { return provider.Close() }
	var cleanup []func(context.Context) error
	fail := func(err error) (*Runtime, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i](context.Background())
		}
		_ = closeStores(context.Background())
		return nil, err
	}
	checks := []repositories.DependencyCheck{firestoreCheck(client)}

	wizardOpts := wizards.Options{TTL: cfg.Redis.WizardTTL, FailedTTL: cfg.Redis.FailedWizardTTL}
	var (
		wizardStore repositories.WizardStore
		regOpts     []firestoreRepo.RegistryOption
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redis.SetLogger(observability.NewPrintfAdapter(logger.Named("redis")))
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		store, err := wizards.NewRedisStore(rdb, wizardOpts)
		if err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("initialise wizard store: %w", err))
		}
		wizardStore = store
		closeStores = func(context.Context) error { return errors.Join(rdb.Close(), provider.Close()) }
		regOpts = append(regOpts, firestoreRepo.WithCloser(func(context.Context) error { return rdb.Close() }))
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		logger.Warn("redis address not configured; wizards are kept in memory")
		wizardStore = wizards.NewMemoryStore(wizardOpts)
	}

	var publisher services.OrderEventPublisher
	if topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicName != "" && cfg.PubSub.ProjectID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Warn("pubsub unavailable; order events disabled", zap.Error(err))
		} else {
			topic := psClient.Topic(topicName)
			cleanup = append(cleanup, func(context.Context) error {
				topic.Stop()
				return psClient.Close()
			})
			if publisher, err = jobs.NewPubSubOrderEventPublisher(topic); err != nil {
				return fail(fmt.Errorf("initialise order event publisher: %w", err))
			}
			checks = append(checks, repositories.DependencyCheck{
				Name:    "pubsub",
				Timeout: 1500 * time.Millisecond,
				Check: func(ctx context.Context) error {
					ok, err := topic.Exists(ctx)
					if err == nil && !ok {
						return fmt.Errorf("topic %s does not exist", topicName)
					}
					return err
				},
			})
		}
	}

	checks = append(checks, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return fail(fmt.Errorf("initialise health checks: %w", err))
	}
	regOpts = append(regOpts, firestoreRepo.WithHealth(health))

	reg, err := firestoreRepo.NewRegistry(provider, wizardStore, SettingsDefaults(cfg.Checkout), regOpts...)
	if err != nil {
		return fail(fmt.Errorf("initialise repositories: %w", err))
	}
	closeStores = reg.Close

	firebaseApp, err := auth.NewFirebaseApp(ctx, cfg.Firebase)
	if err != nil {
		return fail(fmt.Errorf("initialise firebase: %w", err))
	}
	signer, err := auth.NewIdentityToolkitSigner(ctx, cfg.Firebase.WebAPIKey)
	if err != nil {
		return fail(err)
	}
	if strings.TrimSpace(cfg.Firebase.WebAPIKey) == "" {
		logger.Warn("firebase web api key not configured; checkout login is disabled")
	}

	manager, cards, err := buildPayments(cfg, logger)
	if err != nil {
		return fail(err)
	}

	var webhooks WebhookParser
	if secret := strings.TrimSpace(cfg.Payments.StripeWebhookSecret); secret != "" {
		parser, err := payments.NewStripeWebhookParser(secret)
		if err != nil {
			return fail(err)
		}
		webhooks = parser
	} else {
		logger.Warn("stripe webhook secret not configured; webhook endpoint disabled")
	}

	downloads, closeDownloads, err := buildDownloadSigner(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	if closeDownloads != nil {
		cleanup = append(cleanup, closeDownloads)
	}
	if downloads == nil {
		logger.Warn("download signing not configured; purchase downloads disabled")
	}

	receipts, err := notifications.NewReceiptRenderer(receiptBrand)
	if err != nil {
		return fail(err)
	}

	infra := Infrastructure{
		Logger:    logger,
		Payments:  manager,
		Identity:  accountIdentity{client: auth.NewAccountClient(firebaseApp, signer)},
		Webhooks:  webhooks,
		Downloads: downloads,
		Publisher: publisher,
		Receipts:  receipts,
		Metrics:   observability.NewCheckoutMetrics(nil, logger.Named("metrics")),
	}
	if cards != nil {
		infra.Cards = cards
	}

	container, err := NewContainer(ctx, cfg, reg, infra)
	if err != nil {
		return fail(err)
	}
	for _, fn := range cleanup {
		container.OnClose(fn)
	}
	return &Runtime{Container: container, Firebase: firebaseApp, Firestore: client}, nil
}

func buildPayments(cfg config.Config, logger *zap.Logger) (*payments.Manager, *stripeCards, error) {
	pcfg := cfg.Payments
	providers := make(map[payments.Key]payments.Provider)
	cards := &stripeCards{}

	stripeKeys := []struct {
		mode domain.PaymentMode
		key  string
	}{
		{domain.PaymentModeLive, pcfg.StripeLiveKey},
		{domain.PaymentModeTest, pcfg.StripeTestKey},
	}
	for _, entry := range stripeKeys {
		if strings.TrimSpace(entry.key) == "" {
			continue
		}
		stripeCfg := payments.StripeProviderConfig{
			APIKey: entry.key,
			Logger: payments.Logger(observability.ServiceLogger(logger, "stripe")),
		}
		provider, err := payments.NewStripeProvider(stripeCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise stripe %s provider: %w", entry.mode, err)
		}
		providers[payments.Key{Gateway: domain.GatewayCard, Mode: entry.mode}] = provider
		verifier, err := payments.NewStripePaymentMethodVerifier(stripeCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise stripe %s card verifier: %w", entry.mode, err)
		}
		cards.modes = append(cards.modes, verifier)
	}

	flouciKeys := []struct {
		mode          domain.PaymentMode
		token, secret string
	}{
		{domain.PaymentModeLive, pcfg.FlouciLiveAppToken, pcfg.FlouciLiveAppSecret},
		{domain.PaymentModeTest, pcfg.FlouciTestAppToken, pcfg.FlouciTestAppSecret},
	}
	for _, entry := range flouciKeys {
		if strings.TrimSpace(entry.token) == "" || strings.TrimSpace(entry.secret) == "" {
			continue
		}
		provider, err := payments.NewFlouciProvider(payments.FlouciProviderConfig{
			BaseURL:        pcfg.FlouciBaseURL,
			AppToken:       entry.token,
			AppSecret:      entry.secret,
			ReturnURL:      cfg.Checkout.WalletReturnURL,
			Logger:         payments.Logger(observability.ServiceLogger(logger, "flouci")),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialise flouci %s provider: %w", entry.mode, err)
		}
		providers[payments.Key{Gateway: domain.GatewayWallet, Mode: entry.mode}] = provider
	}

	breakerLogger := logger.Named("breaker")
	manager, err := payments.NewManager(providers, payments.WithBreakers(payments.BreakerSettings{
		ConsecutiveFailures: uint32(max(pcfg.BreakerFailures, 0)),
		Cooldown:            pcfg.BreakerCooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerLogger.Warn("gateway breaker state changed",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}))
	if err != nil {
		return nil, nil, err
	}
	if len(providers) == 0 {
		logger.Warn("no payment gateway credentials configured; sessions will report gateway_config")
	}
	if len(cards.modes) == 0 {
		return manager, nil, nil
	}
	return manager, cards, nil
}

// buildDownloadSigner prefers IAM signing as the configured service account and falls back to the
// credentials file key. Neither configured yields a nil signer.
func buildDownloadSigner(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.DownloadSigner, func(context.Context) error, error) {
	if email := strings.TrimSpace(cfg.Storage.SignerEmail); email != "" {
		gcs, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise storage client: %w", err)
		}
		client, err := platformstorage.NewClient(platformstorage.WithGCSClient(gcs, email))
		if err != nil {
			_ = gcs.Close()
			return nil, nil, err
		}
		return client, func(context.Context) error { return gcs.Close() }, nil
	}
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		signer, err := platformstorage.NewKeyFileSignerFromFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load storage signer: %w", err)
		}
		logger.Info("signing downloads with key file", zap.String("email", signer.Email()), zap.String("keyId", signer.KeyID()))
		client, err := platformstorage.NewClient(platformstorage.WithSigner(signer))
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	}
	return nil, nil, nil
}

func firestoreCheck(client *firestore.Client) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			_, err := client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}
}

// accountIdentity adapts the Firebase account client to the checkout identity contract.
type accountIdentity struct {
	client *auth.AccountClient
}

func (a accountIdentity) Login(ctx context.Context, email, password string) (services.IdentitySession, error) {
	session, err := a.client.Login(ctx, email, password)
	if err != nil {
		return services.IdentitySession{}, identityError(err)
	}
	return services.IdentitySession{UID: session.UID, Email: session.Email, IDToken: session.IDToken}, nil
}

func (a accountIdentity) Register(ctx context.Context, email, password, fullName string) (services.IdentitySession, error) {
	session, err := a.client.Register(ctx, email, password, fullName)
	if err != nil {
		return services.IdentitySession{}, identityError(err)
	}
	return services.IdentitySession{UID: session.UID, Email: session.Email, IDToken: session.IDToken}, nil
}

func identityError(err error) error {
	if auth.IsRejection(err) {
		return fmt.Errorf("%w: %w", services.ErrAuth, err)
	}
	return fmt.Errorf("%w: identity provider: %w", services.ErrUnavailable, err)
}

type cardVerifier interface {
	Lookup(ctx context.Context, token string) (payments.PaymentMethodDetails, error)
	Detach(ctx context.Context, token string) error
}

// stripeCards tries each configured Stripe account in turn, live first. Card tokens exist in exactly
// one account, so a rejection from one mode falls through to the next.
type stripeCards struct {
	modes []cardVerifier
}

func (c *stripeCards) Lookup(ctx context.Context, token string) (payments.PaymentMethodDetails, error) {
	var lastErr error = payments.ErrNotConfigured
	for _, verifier := range c.modes {
		details, err := verifier.Lookup(ctx, token)
		if err == nil {
			return details, nil
		}
		lastErr = err
		if !errors.Is(err, payments.ErrRejected) {
			break
		}
	}
	return payments.PaymentMethodDetails{}, lastErr
}

func (c *stripeCards) Detach(ctx context.Context, token string) error {
	var lastErr error = payments.ErrNotConfigured
	for _, verifier := range c.modes {
		err := verifier.Detach(ctx, token)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, payments.ErrRejected) {
			break
		}
	}
	return lastErr
}
