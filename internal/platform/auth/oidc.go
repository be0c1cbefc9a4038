package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger is the Printf contract shared with zap.NewStdLog and log.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

const (
	defaultJWKSRefreshInterval = 15 * time.Minute
	jwksFetchTimeout           = 5 * time.Second
)

// JWKSCache holds Google's signing keys. Concurrent misses share a single fetch.
type JWKSCache struct {
	url    string
	client *http.Client
	logger Logger
	now    func() time.Time

	mu      sync.RWMutex
	set     jose.JSONWebKeySet
	expires time.Time

	fetches singleflight.Group
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// NewJWKSCache constructs a JWKS cache for the provided URL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Keyfunc adapts the cache to jwt parsing. Tokens without a kid are rejected.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid. An expired set or an unknown kid triggers one refetch.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, fresh := c.lookup(kid); key != nil && fresh {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, _ := c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) lookup(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := c.set.Key(kid)
	if len(keys) == 0 {
		return nil, false
	}
	return keys[0].Key, c.now().Before(c.expires)
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	_, err, _ := c.fetches.Do("jwks", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jwksFetchTimeout)
		defer cancel()
		set, ttl, err := c.fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
		}
		c.mu.Lock()
		c.set = set
		c.expires = c.now().Add(ttl)
		c.mu.Unlock()
		c.logger.Printf("auth: refreshed jwks (%d keys, valid for %s)", len(set.Keys), ttl)
		return nil, nil
	})
	return err
}

func (c *JWKSCache) fetch(ctx context.Context) (jose.JSONWebKeySet, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var raw jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return jose.JSONWebKeySet{}, 0, fmt.Errorf("decode jwks: %w", err)
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(raw.Keys))}
	for _, key := range raw.Keys {
		if key.KeyID != "" && key.Valid() && key.IsPublic() {
			set.Keys = append(set.Keys, key)
		}
	}
	if len(set.Keys) == 0 {
		return jose.JSONWebKeySet{}, 0, errors.New("empty key set")
	}

	ttl := parseMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSRefreshInterval
	}
	return set, ttl, nil
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCValidator validates Google-signed service account tokens for the internal routes.
type OIDCValidator struct {
	cache           *JWKSCache
	logger          Logger
	metrics         MetricsRecorder
	now             func() time.Time
	serviceAccounts map[string]struct{}
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{cache: cache, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = recorder }
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithAllowedServiceAccounts restricts accepted tokens to the given service account emails.
// Matching is case-insensitive. No accounts means any Google-signed account is accepted.
func WithAllowedServiceAccounts(emails ...string) OIDCOption {
	return func(v *OIDCValidator) {
		for _, email := range emails {
			email = strings.ToLower(strings.TrimSpace(email))
			if email == "" {
				continue
			}
			if v.serviceAccounts == nil {
				v.serviceAccounts = make(map[string]struct{})
			}
			v.serviceAccounts[email] = struct{}{}
		}
	}
}

// ServiceIdentity is the verified caller of an internal route, e.g. Cloud Scheduler.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// Rejection explains why a token was refused. Reason feeds metrics, Status and Code the response.
type Rejection struct {
	Reason  string
	Status  int
	Code    string
	Message string
	Err     error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("oidc %s: %v", r.Reason, r.Err)
	}
	return "oidc " + r.Reason
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason string, status int, code, message string, err error) *Rejection {
	return &Rejection{Reason: reason, Status: status, Code: code, Message: message, Err: err}
}

// Verify checks signature, expiry, issuer, audience and the service account allow-list.
// Failures are *Rejection values.
func (v *OIDCValidator) Verify(ctx context.Context, rawToken, audience string, issuers map[string]struct{}) (*ServiceIdentity, error) {
	if audience == "" || v.cache == nil {
		return nil, reject("not_configured", http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured", nil)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(rawToken, claims, v.cache.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, reject("jwks_unavailable", http.StatusServiceUnavailable, "invalid_token", "oidc token verification failed", err)
		}
		return nil, reject("token_invalid", http.StatusUnauthorized, "invalid_token", "oidc token verification failed", err)
	}

	identity := &ServiceIdentity{}
	identity.Issuer, _ = claims["iss"].(string)
	identity.Email, _ = claims["email"].(string)
	identity.Subject, _ = claims["sub"].(string)

	if _, ok := issuers[identity.Issuer]; len(issuers) > 0 && !ok {
		return nil, reject("issuer_mismatch", http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch", nil)
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, reject("audience_mismatch", http.StatusUnauthorized, "invalid_token", "oidc audience mismatch", nil)
	}
	if _, ok := v.serviceAccounts[strings.ToLower(identity.Email)]; len(v.serviceAccounts) > 0 && !ok {
		return nil, reject("principal_denied", http.StatusForbidden, "forbidden", "service account not allowed", nil)
	}
	return identity, nil
}

// RequireOIDC guards a route group with Verify and stores the ServiceIdentity on success.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			var (
				identity *ServiceIdentity
				err      error
			)
			if token, ok := extractBearerToken(r.Header.Get("Authorization")); !ok && audience != "" && v.cache != nil {
				err = reject("token_missing", http.StatusUnauthorized, "unauthenticated", "oidc token missing", nil)
			} else {
				identity, err = v.Verify(ctx, token, audience, allowed)
			}

			if err != nil {
				rejection := &Rejection{}
				if !errors.As(err, &rejection) {
					rejection = reject("token_invalid", http.StatusUnauthorized, "invalid_token", "oidc token verification failed", err)
				}
				if rejection.Err != nil {
					v.logger.Printf("auth: oidc verification failed (%s): %v", rejection.Reason, rejection.Err)
				}
				v.record(ctx, false, rejection.Reason, start)
				respondAuthError(w, rejection.Status, rejection.Code, rejection.Message)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}
