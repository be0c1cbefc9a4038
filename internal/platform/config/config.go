package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 45 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultDownloadURLTTL      = 15 * time.Minute
	defaultWizardTTL           = 2 * time.Hour
	defaultFailedWizardTTL     = 30 * 24 * time.Hour
	defaultOrderEventsTopic    = "order-events"
	defaultFlouciBaseURL       = "https://developers.flouci.com"
	defaultGatewayTimeout      = 30 * time.Second
	defaultWalletPollAttempts  = 3
	defaultWalletPollInterval  = 2 * time.Second
	defaultBreakerFailures     = 5
	defaultBreakerCooldown     = 30 * time.Second
	defaultGatewayMode         = "auto"
	defaultCurrency            = "USD"
	defaultRegionalCurrency    = "TND"
	defaultSessionDebounce     = 500 * time.Millisecond
	defaultLoginAttemptsPerMin = 10
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Payments    PaymentsConfig
	Checkout    CheckoutConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	PublicBaseURL string
}

// FirebaseConfig stores Firebase project settings. WebAPIKey enables password sign-in.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	WebAPIKey       string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig locates purchasable model files.
type StorageConfig struct {
	ProductsBucket string
	SignerEmail    string
	DownloadURLTTL time.Duration
}

// RedisConfig configures the wizard store. An empty Addr selects the in-memory store.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	WizardTTL       time.Duration
	FailedWizardTTL time.Duration
}

// PubSubConfig names the topics used for best-effort notifications.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// PaymentsConfig collects gateway credentials per mode plus call policies.
type PaymentsConfig struct {
	StripeLiveKey       string
	StripeTestKey       string
	StripeWebhookSecret string

	FlouciBaseURL       string
	FlouciLiveAppToken  string
	FlouciLiveAppSecret string
	FlouciTestAppToken  string
	FlouciTestAppSecret string

	GatewayTimeout     time.Duration
	WalletPollAttempts int
	WalletPollInterval time.Duration
	BreakerFailures    int
	BreakerCooldown    time.Duration
}

// CheckoutConfig holds the fallback checkout settings used until the settings document is loaded.
type CheckoutConfig struct {
	GatewayMode         string
	DefaultCurrency     string
	RegionalCurrency    string
	Testers             []string
	SupportedCountries  []string
	SessionDebounce     time.Duration
	WalletReturnURL     string
	LoginAttemptsPerMin int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL         string
	Audience        string
	Issuers         []string
	ServiceAccounts []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
// Names are redacted so the error can be logged.
type MissingSecretsError struct {
	redacted []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.redacted, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, len(e.redacted))
	copy(out, e.redacted)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret fields (e.g. "Payments.StripeLiveKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the effective environment after applying Load's precedence
// (dotenv < OS env < explicit map). Callers use it to build the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env overrides, environment variables and Secret Manager.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:          stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:   durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:  durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:   durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			PublicBaseURL: strings.TrimRight(stringWithDefault(lookup, "API_SERVER_PUBLIC_BASE_URL", ""), "/"),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
			WebAPIKey:       stringWithDefault(lookup, "API_FIREBASE_WEB_API_KEY", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ProductsBucket: stringWithDefault(lookup, "API_STORAGE_PRODUCTS_BUCKET", ""),
			SignerEmail:    stringWithDefault(lookup, "API_STORAGE_SIGNER_EMAIL", ""),
			DownloadURLTTL: durationWithDefault(lookup, "API_STORAGE_DOWNLOAD_URL_TTL", defaultDownloadURLTTL),
		},
		Redis: RedisConfig{
			Addr:            stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:        stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:              intWithDefault(lookup, "API_REDIS_DB", 0),
			WizardTTL:       durationWithDefault(lookup, "API_REDIS_WIZARD_TTL", defaultWizardTTL),
			FailedWizardTTL: durationWithDefault(lookup, "API_REDIS_FAILED_WIZARD_TTL", defaultFailedWizardTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Payments: PaymentsConfig{
			StripeLiveKey:       stringWithDefault(lookup, "API_PSP_STRIPE_LIVE_KEY", ""),
			StripeTestKey:       stringWithDefault(lookup, "API_PSP_STRIPE_TEST_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			FlouciBaseURL:       strings.TrimRight(stringWithDefault(lookup, "API_PSP_FLOUCI_BASE_URL", defaultFlouciBaseURL), "/"),
			FlouciLiveAppToken:  stringWithDefault(lookup, "API_PSP_FLOUCI_LIVE_APP_TOKEN", ""),
			FlouciLiveAppSecret: stringWithDefault(lookup, "API_PSP_FLOUCI_LIVE_APP_SECRET", ""),
			FlouciTestAppToken:  stringWithDefault(lookup, "API_PSP_FLOUCI_TEST_APP_TOKEN", ""),
			FlouciTestAppSecret: stringWithDefault(lookup, "API_PSP_FLOUCI_TEST_APP_SECRET", ""),
			GatewayTimeout:      durationWithDefault(lookup, "API_PSP_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			WalletPollAttempts:  intWithDefault(lookup, "API_PSP_WALLET_POLL_ATTEMPTS", defaultWalletPollAttempts),
			WalletPollInterval:  durationWithDefault(lookup, "API_PSP_WALLET_POLL_INTERVAL", defaultWalletPollInterval),
			BreakerFailures:     intWithDefault(lookup, "API_PSP_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerCooldown:     durationWithDefault(lookup, "API_PSP_BREAKER_COOLDOWN", defaultBreakerCooldown),
		},
		Checkout: CheckoutConfig{
			GatewayMode:         strings.ToLower(stringWithDefault(lookup, "API_CHECKOUT_GATEWAY_MODE", defaultGatewayMode)),
			DefaultCurrency:     strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_DEFAULT_CURRENCY", defaultCurrency)),
			RegionalCurrency:    strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_REGIONAL_CURRENCY", defaultRegionalCurrency)),
			Testers:             csvWithDefault(lookup, "API_CHECKOUT_TESTERS"),
			SupportedCountries:  csvWithDefault(lookup, "API_CHECKOUT_SUPPORTED_COUNTRIES"),
			SessionDebounce:     durationWithDefault(lookup, "API_CHECKOUT_SESSION_DEBOUNCE", defaultSessionDebounce),
			WalletReturnURL:     stringWithDefault(lookup, "API_CHECKOUT_WALLET_RETURN_URL", ""),
			LoginAttemptsPerMin: intWithDefault(lookup, "API_CHECKOUT_LOGIN_ATTEMPTS_PER_MIN", defaultLoginAttemptsPerMin),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:         stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:        stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:         csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: csvWithDefault(lookup, "API_SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer, strings.TrimPrefix(defaultOIDCIssuer, "https://")}
	}
	if len(cfg.Checkout.SupportedCountries) == 0 {
		cfg.Checkout.SupportedCountries = []string{"US", "TN", "FR", "DE", "GB", "CA"}
	}
	for i, code := range cfg.Checkout.SupportedCountries {
		cfg.Checkout.SupportedCountries[i] = strings.ToUpper(code)
	}
	if cfg.Checkout.WalletReturnURL == "" && cfg.Server.PublicBaseURL != "" {
		cfg.Checkout.WalletReturnURL = cfg.Server.PublicBaseURL + "/checkout/wallet/return"
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Firebase.WebAPIKey", &cfg.Firebase.WebAPIKey},
		{"Redis.Password", &cfg.Redis.Password},
		{"Payments.StripeLiveKey", &cfg.Payments.StripeLiveKey},
		{"Payments.StripeTestKey", &cfg.Payments.StripeTestKey},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
		{"Payments.FlouciLiveAppSecret", &cfg.Payments.FlouciLiveAppSecret},
		{"Payments.FlouciTestAppSecret", &cfg.Payments.FlouciTestAppSecret},
	}
	resolved := make(map[string]string, len(secretFields))
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "sm://"), "secret://")
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Storage.ProductsBucket == "" {
		missing = append(missing, "Storage.ProductsBucket")
	}
	switch cfg.Checkout.GatewayMode {
	case "stripe", "flouci", "auto":
	default:
		missing = append(missing, "Checkout.GatewayMode")
	}
	if len(cfg.Checkout.DefaultCurrency) != 3 {
		missing = append(missing, "Checkout.DefaultCurrency")
	}
	if len(cfg.Checkout.RegionalCurrency) != 3 {
		missing = append(missing, "Checkout.RegionalCurrency")
	}
	if cfg.Checkout.SessionDebounce < 0 {
		missing = append(missing, "Checkout.SessionDebounce")
	}
	if cfg.Payments.GatewayTimeout <= 0 {
		missing = append(missing, "Payments.GatewayTimeout")
	}
	if cfg.Payments.WalletPollAttempts <= 0 {
		missing = append(missing, "Payments.WalletPollAttempts")
	}
	if cfg.Redis.WizardTTL <= 0 {
		missing = append(missing, "Redis.WizardTTL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var redacted []string
	seen := make(map[string]struct{})
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] != "" {
			continue
		}
		sum := sha256.Sum256([]byte(name))
		redacted = append(redacted, hex.EncodeToString(sum[:8]))
	}
	if len(redacted) == 0 {
		return nil
	}
	sort.Strings(redacted)
	return &MissingSecretsError{redacted: redacted}
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
