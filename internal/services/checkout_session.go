package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/repositories"
)

const defaultGatewayTimeout = 30 * time.Second

// idempotencyNamespace scopes the deterministic Stripe idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f1c3c52-8a43-4c1b-9c8e-3f0d2b7a9e11")

// SessionRequest is everything the initializer needs to open a gateway session for a wizard.
type SessionRequest struct {
	WizardID         string
	Token            uint64
	Gateway          domain.Gateway
	Amount           int64
	Currency         string
	UserID           string
	Email            string
	FullName         string
	SavedMethodToken string
	SaveCard         bool
	Settings         CheckoutSettings
}

// SessionRequestFor snapshots the wizard into a session request.
func SessionRequestFor(w *Wizard) SessionRequest {
	return SessionRequest{
		WizardID:         w.ID,
		Token:            w.SessionToken,
		Gateway:          w.Gateway,
		Amount:           w.Totals.Total,
		Currency:         w.Currency,
		UserID:           w.UserID,
		Email:            w.Billing.Email,
		FullName:         w.Billing.FullName,
		SavedMethodToken: w.SavedMethodToken,
		SaveCard:         w.SaveCard,
		Settings:         w.Settings,
	}
}

// SessionInitializer opens gateway sessions.
type SessionInitializer interface {
	CreateSession(ctx context.Context, req SessionRequest) (GatewaySession, error)
}

// SessionInitializerDeps wires the gateway session initializer.
type SessionInitializerDeps struct {
	Payments  PaymentResolver
	Customers repositories.CustomerRepository
	Clock     func() time.Time
	Logger    Logger
	Metrics   CheckoutMetrics
	Timeout   time.Duration
}

type sessionInitializer struct {
	payments  PaymentResolver
	customers repositories.CustomerRepository
	now       func() time.Time
	logger    Logger
	metrics   CheckoutMetrics
	timeout   time.Duration
}

// NewSessionInitializer constructs the gateway session initializer.
func NewSessionInitializer(deps SessionInitializerDeps) (SessionInitializer, error) {
	if deps.Payments == nil {
		return nil, errors.New("session initializer: payment resolver is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	var metrics CheckoutMetrics = nopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &sessionInitializer{
		payments:  deps.Payments,
		customers: deps.Customers,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
		metrics:   metrics,
		timeout:   timeout,
	}, nil
}

// CreateSession opens a session with the selected gateway. The mode is derived from the tester allow-list.
func (s *sessionInitializer) CreateSession(ctx context.Context, req SessionRequest) (GatewaySession, error) {
	if req.Amount <= 0 {
		return GatewaySession{}, ErrFreeOrder
	}
	mode := domain.PaymentModeLive
	if req.Settings.IsTester(req.UserID, req.Email) {
		mode = domain.PaymentModeTest
	}

	provider, err := s.payments.Resolve(req.Gateway, mode)
	if err != nil {
		s.metrics.RecordSession(ctx, string(req.Gateway), string(mode), "config_error", 0)
		return GatewaySession{}, translateGatewayError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	started := s.now()

	customerID := ""
	if req.Gateway == domain.GatewayCard && req.UserID != "" && (req.SavedMethodToken != "" || req.SaveCard) {
		customerID, err = s.ensureCustomer(ctx, provider, req, mode)
		if err != nil {
			s.metrics.RecordSession(ctx, string(req.Gateway), string(mode), "customer_error", s.now().Sub(started))
			return GatewaySession{}, err
		}
	}

	session, err := provider.CreateSession(ctx, payments.SessionRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		ReceiptEmail:   req.Email,
		CustomerName:   req.FullName,
		CustomerID:     customerID,
		SavedMethod:    req.SavedMethodToken,
		SaveMethod:     req.SaveCard && req.SavedMethodToken == "",
		IdempotencyKey: sessionIdempotencyKey(req),
		Metadata: map[string]string{
			"wizardId": req.WizardID,
			"userId":   req.UserID,
			"mode":     string(mode),
			"token":    strconv.FormatUint(req.Token, 10),
		},
	})
	took := s.now().Sub(started)
	if err != nil {
		translated := translateGatewayError(err)
		s.metrics.RecordSession(ctx, string(req.Gateway), string(mode), string(sessionErrorKind(translated)), took)
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"wizardId": req.WizardID,
			"gateway":  req.Gateway,
			"mode":     mode,
			"error":    err.Error(),
		})
		return GatewaySession{}, translated
	}
	s.metrics.RecordSession(ctx, string(req.Gateway), string(mode), "created", took)

	return GatewaySession{
		ID:               session.ID,
		Secret:           session.ClientSecret,
		RedirectURL:      session.RedirectURL,
		Gateway:          req.Gateway,
		Mode:             mode,
		Amount:           req.Amount,
		Currency:         strings.ToUpper(req.Currency),
		SavedMethodToken: req.SavedMethodToken,
		SaveMethod:       req.SaveCard && req.SavedMethodToken == "",
		Token:            req.Token,
		CreatedAt:        s.now(),
		ExpiresAt:        session.ExpiresAt,
	}, nil
}

func (s *sessionInitializer) ensureCustomer(ctx context.Context, provider payments.Provider, req SessionRequest, mode domain.PaymentMode) (string, error) {
	provisioner, ok := provider.(payments.CustomerProvisioner)
	if !ok || s.customers == nil {
		return "", nil
	}
	profile, err := s.customers.Get(ctx, req.UserID)
	if err != nil && !repositories.IsNotFound(err) {
		return "", translateRepoError(err, "customer profile")
	}
	if id := profile.StripeCustomerIDs[mode]; id != "" {
		return id, nil
	}
	id, err := provisioner.EnsureCustomer(ctx, req.Email, req.FullName)
	if err != nil {
		return "", translateGatewayError(err)
	}
	if id == "" {
		return "", nil
	}
	if err := s.customers.SetStripeCustomer(ctx, req.UserID, mode, id); err != nil {
		s.logger(ctx, "checkout.customer.persist_failed", map[string]any{
			"userId": req.UserID,
			"error":  err.Error(),
		})
	}
	return id, nil
}

// sessionIdempotencyKey is stable for a wizard, token and amount so retries of the same trigger reuse the
// gateway object.
func sessionIdempotencyKey(req SessionRequest) string {
	name := fmt.Sprintf("%s:%d:%d:%s", req.WizardID, req.Token, req.Amount, req.SavedMethodToken)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

func sessionErrorKind(err error) domain.SessionErrorKind {
	switch {
	case errors.Is(err, ErrGatewayConfig):
		return domain.SessionErrorConfig
	case errors.Is(err, ErrGatewayValidation):
		return domain.SessionErrorValidation
	default:
		return domain.SessionErrorNetwork
	}
}
