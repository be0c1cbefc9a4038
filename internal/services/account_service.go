package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLoginRate    = rate.Limit(1.0 / 12.0)
	defaultLoginBurst   = 5
	loginLimiterIdleTTL = time.Hour
	maxLoginLimiters    = 10000
)

// AccountServiceDeps wires the identity side effects of the customer step.
type AccountServiceDeps struct {
	Identity   IdentityProvider
	LoginRate  rate.Limit
	LoginBurst int
	Clock      func() time.Time
	Logger     Logger
}

type loginLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AccountService logs customers in or registers them, limiting password attempts per e-mail.
type AccountService struct {
	identity IdentityProvider
	limit    rate.Limit
	burst    int
	now      func() time.Time
	logger   Logger

	mu       sync.Mutex
	limiters map[string]*loginLimiter
}

// NewAccountService constructs the account service.
func NewAccountService(deps AccountServiceDeps) (*AccountService, error) {
	if deps.Identity == nil {
		return nil, errors.New("account service: identity provider is required")
	}
	limit := deps.LoginRate
	if limit <= 0 {
		limit = defaultLoginRate
	}
	burst := deps.LoginBurst
	if burst <= 0 {
		burst = defaultLoginBurst
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &AccountService{
		identity: deps.Identity,
		limit:    limit,
		burst:    burst,
		now:      clock,
		logger:   logger,
		limiters: make(map[string]*loginLimiter),
	}, nil
}

// Login signs an existing customer in.
func (s *AccountService) Login(ctx context.Context, email, password string) (IdentitySession, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !s.allow(email) {
		s.logger(ctx, "account.login.rate_limited", map[string]any{"email": email})
		return IdentitySession{}, fmt.Errorf("%w: %w", ErrAuth, ErrRateLimited)
	}
	session, err := s.identity.Login(ctx, email, password)
	if err != nil {
		return IdentitySession{}, identityFailure(err)
	}
	return session, nil
}

// Register creates an account and signs it in. Registration attempts share the login budget.
func (s *AccountService) Register(ctx context.Context, email, password, fullName string) (IdentitySession, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !s.allow(email) {
		return IdentitySession{}, fmt.Errorf("%w: %w", ErrAuth, ErrRateLimited)
	}
	session, err := s.identity.Register(ctx, email, password, strings.TrimSpace(fullName))
	if err != nil {
		return IdentitySession{}, identityFailure(err)
	}
	return session, nil
}

// identityFailure keeps ErrAuth for refused credentials. Anything the provider did not classify is an
// outage, so a customer is never told their password is wrong when the provider is down.
func identityFailure(err error) error {
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: identity provider: %v", ErrUnavailable, err)
}

func (s *AccountService) allow(email string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.limiters) >= maxLoginLimiters {
		for key, entry := range s.limiters {
			if now.Sub(entry.lastSeen) > loginLimiterIdleTTL {
				delete(s.limiters, key)
			}
		}
	}
	entry, ok := s.limiters[email]
	if !ok {
		entry = &loginLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[email] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
