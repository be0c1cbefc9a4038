package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/repositories"
)

const (
	defaultWalletPollAttempts = 5
	defaultWalletPollInterval = 2 * time.Second
	freeOrderPrefix           = "free_"
)

type couponLookup interface {
	Lookup(ctx context.Context, code string) (Coupon, error)
}

type accountClient interface {
	Login(ctx context.Context, email, password string) (IdentitySession, error)
	Register(ctx context.Context, email, password, fullName string) (IdentitySession, error)
}

type sessionScheduler interface {
	Schedule(wizardID string, token uint64, immediate bool)
	Stop(wizardID string)
}

type orderCommitter interface {
	Commit(ctx context.Context, order Order, cartID string) (Order, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts          repositories.CartRepository
	Wizards        repositories.WizardStore
	PaymentMethods repositories.PaymentMethodRepository
	Settings       SettingsProvider
	Promotions     couponLookup
	Accounts       accountClient
	Billing        *BillingValidator
	Sessions       sessionScheduler
	Payments       PaymentResolver
	Fulfillment    orderCommitter
	CardLookup     PaymentMethodLookup
	Clock          func() time.Time
	Logger         Logger
	Metrics        CheckoutMetrics
	IDGenerator    func() string
	GatewayTimeout time.Duration

	WalletPollAttempts int
	WalletPollInterval time.Duration
}

type checkoutService struct {
	carts          repositories.CartRepository
	wizards        repositories.WizardStore
	paymentMethods repositories.PaymentMethodRepository
	settings       SettingsProvider
	promotions     couponLookup
	accounts       accountClient
	billing        *BillingValidator
	sessions       sessionScheduler
	payments       PaymentResolver
	fulfillment    orderCommitter
	cardLookup     PaymentMethodLookup
	now            func() time.Time
	logger         Logger
	metrics        CheckoutMetrics
	newID          func() string
	gatewayTimeout time.Duration
	pollAttempts   int
	pollInterval   time.Duration
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Carts == nil:
		return nil, errors.New("checkout service: cart repository is required")
	case deps.Wizards == nil:
		return nil, errors.New("checkout service: wizard store is required")
	case deps.Settings == nil:
		return nil, errors.New("checkout service: settings provider is required")
	case deps.Promotions == nil:
		return nil, errors.New("checkout service: promotion service is required")
	case deps.Accounts == nil:
		return nil, errors.New("checkout service: account client is required")
	case deps.Sessions == nil:
		return nil, errors.New("checkout service: session coordinator is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout service: payment resolver is required")
	case deps.Fulfillment == nil:
		return nil, errors.New("checkout service: fulfillment committer is required")
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
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	billing := deps.Billing
	if billing == nil {
		billing = NewBillingValidator()
	}
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	attempts := deps.WalletPollAttempts
	if attempts <= 0 {
		attempts = defaultWalletPollAttempts
	}
	interval := deps.WalletPollInterval
	if interval <= 0 {
		interval = defaultWalletPollInterval
	}

	return &checkoutService{
		carts:          deps.Carts,
		wizards:        deps.Wizards,
		paymentMethods: deps.PaymentMethods,
		settings:       deps.Settings,
		promotions:     deps.Promotions,
		accounts:       deps.Accounts,
		billing:        billing,
		sessions:       deps.Sessions,
		payments:       deps.Payments,
		fulfillment:    deps.Fulfillment,
		cardLookup:     deps.CardLookup,
		now:            func() time.Time { return clock().UTC() },
		logger:         logger,
		metrics:        metrics,
		newID:          idGen,
		gatewayTimeout: timeout,
		pollAttempts:   attempts,
		pollInterval:   interval,
	}, nil
}

// Start snapshots the cart and the settings into a new wizard in the cart step.
func (s *checkoutService) Start(ctx context.Context, cmd StartCheckoutCommand) (Wizard, error) {
	cartID := strings.TrimSpace(cmd.CartID)
	if cartID == "" {
		return Wizard{}, FieldErrors{"cartId": "is required"}
	}
	cart, err := s.carts.Get(ctx, cartID)
	if err != nil {
		return Wizard{}, translateRepoError(err, "cart")
	}
	if cart.UserID != "" && cart.UserID != cmd.Actor.UserID {
		return Wizard{}, ErrForbidden
	}
	if len(cart.Items) == 0 {
		return Wizard{}, ErrEmptyCart
	}

	settings := s.settings.Current()
	currency, gateway := resolveGateway(settings, cmd.CurrencyHint, cmd.CountryHint)
	if currency == "" {
		currency = strings.ToUpper(cart.Currency)
	}
	totals, err := ComputeTotal(cart.Items, 0)
	if err != nil {
		return Wizard{}, err
	}

	now := s.now()
	w := &Wizard{
		ID:        s.newID(),
		CartID:    cart.ID,
		UserID:    cmd.Actor.UserID,
		Step:      domain.StepCart,
		Items:     append([]CartLineItem(nil), cart.Items...),
		Currency:  currency,
		Gateway:   gateway,
		Totals:    totals,
		Billing:   BillingProfile{Email: strings.ToLower(strings.TrimSpace(cmd.Actor.Email))},
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.wizards.Create(ctx, w); err != nil {
		return Wizard{}, translateRepoError(err, "create wizard")
	}
	s.logger(ctx, "checkout.wizard.started", map[string]any{
		"wizardId": w.ID,
		"cartId":   w.CartID,
		"gateway":  w.Gateway,
		"currency": w.Currency,
		"total":    w.Totals.Total,
	})
	return *w, nil
}

func (s *checkoutService) GetWizard(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	w, err := s.load(ctx, cmd)
	if err != nil {
		return Wizard{}, err
	}
	return *w, nil
}

// Proceed moves from cart to customer_info.
func (s *checkoutService) Proceed(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	w, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		if len(w.Items) == 0 {
			return ErrEmptyCart
		}
		if w.Step != domain.StepCart {
			return requireStep(w, domain.StepCart)
		}
		return moveTo(w, domain.StepCustomerInfo)
	})
	return deref(w), err
}

// UpdateBilling stores a sanitised billing draft without validating it.
func (s *checkoutService) UpdateBilling(ctx context.Context, cmd UpdateBillingCommand) (Wizard, error) {
	billing := s.billing.Sanitize(cmd.Billing)
	w, err := s.mutate(ctx, cmd.WizardCommand, func(w *Wizard) error {
		if w.Step.Terminal() {
			return fmt.Errorf("%w: wizard %s is completed", ErrInvalidTransition, w.ID)
		}
		w.Billing = billing
		return nil
	})
	return deref(w), err
}

// Advance validates the customer step, performs the login or registration side effect and enters payment.
func (s *checkoutService) Advance(ctx context.Context, cmd AdvanceCommand) (AdvanceResult, error) {
	current, err := s.load(ctx, cmd.WizardCommand)
	if err != nil {
		return AdvanceResult{}, err
	}
	if err := requireStep(current, domain.StepCustomerInfo); err != nil {
		return AdvanceResult{}, err
	}

	billing := s.billing.Sanitize(cmd.Billing)
	if billing.Email == "" {
		return AdvanceResult{}, FieldErrors{"email": "is required"}
	}
	if err := s.billing.Validate(ctx, billing, current.Settings); err != nil {
		return AdvanceResult{}, err
	}

	result := AdvanceResult{}
	userID := current.UserID
	if userID == "" {
		userID = cmd.Actor.UserID
	}
	if userID == "" {
		session, err := s.authenticate(ctx, cmd, billing)
		if err != nil {
			s.keepBillingDraft(ctx, cmd.WizardCommand, billing)
			return AdvanceResult{}, err
		}
		userID = session.UID
		result.IDToken = session.IDToken
	}
	result.UserID = userID

	actor := cmd.Actor
	actor.UserID = userID
	immediate := false
	w, err := s.mutate(ctx, WizardCommand{Actor: actor, WizardID: cmd.WizardID}, func(w *Wizard) error {
		immediate = false
		if err := requireStep(w, domain.StepCustomerInfo); err != nil {
			return err
		}
		w.UserID = userID
		w.Billing = billing
		if err := moveTo(w, domain.StepPayment); err != nil {
			return err
		}
		invalidateSession(w)
		immediate = w.Totals.Total > 0
		return nil
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	if immediate {
		s.sessions.Schedule(w.ID, w.SessionToken, true)
	}
	result.Wizard = *w
	return result, nil
}

func (s *checkoutService) authenticate(ctx context.Context, cmd AdvanceCommand, billing BillingProfile) (IdentitySession, error) {
	if cmd.Password == "" {
		return IdentitySession{}, FieldErrors{"password": "is required"}
	}
	var (
		session IdentitySession
		err     error
	)
	switch mode := cmd.AccountMode; mode {
	case AccountModeLogin, "":
		session, err = s.accounts.Login(ctx, billing.Email, cmd.Password)
	case AccountModeRegister:
		if billing.FullName == "" {
			return IdentitySession{}, FieldErrors{"fullName": "is required"}
		}
		session, err = s.accounts.Register(ctx, billing.Email, cmd.Password, billing.FullName)
	default:
		return IdentitySession{}, FieldErrors{"accountMode": "must be login or register"}
	}
	if err != nil {
		s.logger(ctx, "checkout.customer.auth_failed", map[string]any{
			"wizardId": cmd.WizardID,
			"mode":     cmd.AccountMode,
			"error":    err.Error(),
		})
		return IdentitySession{}, identityFailure(err)
	}
	if session.UID == "" {
		return IdentitySession{}, fmt.Errorf("%w: identity provider returned no user", ErrAuth)
	}
	return session, nil
}

func (s *checkoutService) keepBillingDraft(ctx context.Context, cmd WizardCommand, billing BillingProfile) {
	_, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		if err := requireStep(w, domain.StepCustomerInfo); err != nil {
			return err
		}
		w.Billing = billing
		return nil
	})
	if err != nil {
		s.logger(ctx, "checkout.customer.draft_not_saved", map[string]any{"wizardId": cmd.WizardID, "error": err.Error()})
	}
}

// Back moves payment to customer_info and customer_info to cart. Leaving payment drops the session.
func (s *checkoutService) Back(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	leftPayment := false
	w, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		leftPayment = false
		switch w.Step {
		case domain.StepPayment:
			leftPayment = true
			invalidateSession(w)
			return moveTo(w, domain.StepCustomerInfo)
		case domain.StepCustomerInfo:
			return moveTo(w, domain.StepCart)
		default:
			return requireStep(w, domain.StepPayment, domain.StepCustomerInfo)
		}
	})
	if err == nil && leftPayment {
		s.sessions.Stop(w.ID)
	}
	return deref(w), err
}

// Cancel abandons the payment step. Resume brings the wizard back to customer_info.
func (s *checkoutService) Cancel(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	w, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		if err := requireStep(w, domain.StepPayment); err != nil {
			return err
		}
		invalidateSession(w)
		return moveTo(w, domain.StepCancelled)
	})
	if err == nil {
		s.sessions.Stop(w.ID)
	}
	return deref(w), err
}

func (s *checkoutService) Resume(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	w, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		if err := requireStep(w, domain.StepCancelled); err != nil {
			return err
		}
		return moveTo(w, domain.StepCustomerInfo)
	})
	return deref(w), err
}

// ApplyCoupon recomputes totals with the coupon. In payment the session is re-initialised.
func (s *checkoutService) ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (Wizard, error) {
	current, err := s.load(ctx, cmd.WizardCommand)
	if err != nil {
		return Wizard{}, err
	}
	if err := requireStep(current, domain.StepCart, domain.StepCustomerInfo, domain.StepPayment); err != nil {
		return Wizard{}, err
	}
	coupon, err := s.promotions.Lookup(ctx, cmd.Code)
	if err != nil {
		return Wizard{}, err
	}
	return s.reprice(ctx, cmd.WizardCommand, &coupon)
}

func (s *checkoutService) RemoveCoupon(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	return s.reprice(ctx, cmd, nil)
}

func (s *checkoutService) reprice(ctx context.Context, cmd WizardCommand, coupon *Coupon) (Wizard, error) {
	inPayment := false
	w, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		inPayment = false
		if err := requireStep(w, domain.StepCart, domain.StepCustomerInfo, domain.StepPayment); err != nil {
			return err
		}
		pct := 0
		if coupon != nil {
			pct = coupon.DiscountPercent
		}
		totals, err := ComputeTotal(w.Items, pct)
		if err != nil {
			return err
		}
		w.Coupon = coupon
		w.Totals = totals
		if w.Step == domain.StepPayment {
			inPayment = true
			invalidateSession(w)
		}
		return nil
	})
	if err != nil {
		return Wizard{}, err
	}
	if inPayment {
		s.reschedule(w, false)
	}
	return *w, nil
}

// SelectPaymentMethod switches between a saved card and a new card, re-initialising after the debounce.
func (s *checkoutService) SelectPaymentMethod(ctx context.Context, cmd SelectPaymentMethodCommand) (Wizard, error) {
	current, err := s.load(ctx, cmd.WizardCommand)
	if err != nil {
		return Wizard{}, err
	}
	if err := requireStep(current, domain.StepPayment); err != nil {
		return Wizard{}, err
	}

	savedID, savedToken := "", ""
	if id := strings.TrimSpace(cmd.SavedMethodID); id != "" {
		if current.Gateway != domain.GatewayCard {
			return Wizard{}, FieldErrors{"savedMethodId": "saved cards are only available for card payments"}
		}
		if current.UserID == "" || s.paymentMethods == nil {
			return Wizard{}, FieldErrors{"savedMethodId": "requires a signed-in customer"}
		}
		method, err := s.paymentMethods.Get(ctx, current.UserID, id)
		if err != nil {
			if repositories.IsNotFound(err) {
				return Wizard{}, FieldErrors{"savedMethodId": "is not one of your saved cards"}
			}
			return Wizard{}, translateRepoError(err, "payment method")
		}
		if method.Mode != "" && method.Mode != paymentModeFor(current) {
			return Wizard{}, FieldErrors{"savedMethodId": "does not match the payment mode"}
		}
		savedID, savedToken = method.ID, method.Token
	}
	saveCard := cmd.SaveCard && savedToken == "" && current.UserID != "" && current.Gateway == domain.GatewayCard

	w, err := s.mutate(ctx, cmd.WizardCommand, func(w *Wizard) error {
		if err := requireStep(w, domain.StepPayment); err != nil {
			return err
		}
		w.SavedMethodID = savedID
		w.SavedMethodToken = savedToken
		w.SaveCard = saveCard
		invalidateSession(w)
		return nil
	})
	if err != nil {
		return Wizard{}, err
	}
	s.reschedule(w, false)
	return *w, nil
}

// RetrySession re-triggers initialisation after a failure, without debounce.
func (s *checkoutService) RetrySession(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	w, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		if err := requireStep(w, domain.StepPayment); err != nil {
			return err
		}
		if w.Totals.Total <= 0 {
			return ErrFreeOrder
		}
		invalidateSession(w)
		return nil
	})
	if err != nil {
		return Wizard{}, err
	}
	s.reschedule(w, true)
	return *w, nil
}

func (s *checkoutService) reschedule(w *Wizard, immediate bool) {
	if w.Totals.Total > 0 {
		s.sessions.Schedule(w.ID, w.SessionToken, immediate)
		return
	}
	s.sessions.Stop(w.ID)
}

// ConfirmCard completes the wizard once the card gateway reports the intent as succeeded.
func (s *checkoutService) ConfirmCard(ctx context.Context, cmd ConfirmPaymentCommand) (Wizard, error) {
	txn := strings.TrimSpace(cmd.TransactionID)
	if txn == "" {
		return Wizard{}, FieldErrors{"transactionId": "is required"}
	}
	w, state, err := s.loadForSettlement(ctx, cmd.WizardCommand, txn, domain.GatewayCard)
	if err != nil || state == settlementDone {
		return deref(w), err
	}
	if state == settlementSuperseded {
		return s.settleSuperseded(ctx, cmd.WizardCommand, w, txn)
	}

	details, err := s.lookup(ctx, w.Gateway, w.Session.Mode, txn)
	if err != nil {
		return Wizard{}, err
	}
	if err := s.checkPaid(w, details); err != nil {
		return Wizard{}, err
	}
	return s.settle(ctx, cmd.WizardCommand, txn, w.Session.Mode, &details)
}

// VerifyWallet polls the wallet gateway and completes the wizard on success.
func (s *checkoutService) VerifyWallet(ctx context.Context, cmd ConfirmPaymentCommand) (WalletVerification, error) {
	txn := strings.TrimSpace(cmd.TransactionID)
	if txn == "" {
		return WalletVerification{}, FieldErrors{"paymentId": "is required"}
	}
	w, state, err := s.loadForSettlement(ctx, cmd.WizardCommand, txn, domain.GatewayWallet)
	if err != nil || state == settlementDone {
		return WalletVerification{Wizard: deref(w)}, err
	}
	if state == settlementSuperseded {
		return WalletVerification{}, errStaleSession()
	}

	provider, err := s.payments.Resolve(w.Gateway, w.Session.Mode)
	if err != nil {
		return WalletVerification{}, translateGatewayError(err)
	}
	pollCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	details, err := payments.Poll(pollCtx, provider, payments.LookupRequest{ID: txn}, s.pollAttempts, s.pollInterval)
	if err != nil {
		return WalletVerification{}, translateGatewayError(err)
	}
	if details.Status == payments.StatusPending {
		return WalletVerification{Wizard: *w, Pending: true}, nil
	}
	if err := s.checkPaid(w, details); err != nil {
		return WalletVerification{}, err
	}
	completed, err := s.settle(ctx, cmd.WizardCommand, txn, w.Session.Mode, &details)
	return WalletVerification{Wizard: completed}, err
}

// PlaceFreeOrder completes a zero-total wizard without contacting a gateway.
func (s *checkoutService) PlaceFreeOrder(ctx context.Context, cmd WizardCommand) (Wizard, error) {
	current, err := s.load(ctx, cmd)
	if err != nil {
		return Wizard{}, err
	}
	txn := freeOrderPrefix + current.ID
	if current.Failure != nil {
		return *current, fulfillmentFailure(current)
	}
	if current.Step == domain.StepCompleted && current.ConfirmedTransactionID == txn {
		return *current, nil
	}
	if err := requireStep(current, domain.StepPayment); err != nil {
		return Wizard{}, err
	}
	if current.Totals.Total > 0 {
		return Wizard{}, validationError("order total is %d, a payment is required", current.Totals.Total)
	}
	return s.settle(ctx, cmd, txn, paymentModeFor(current), nil)
}

// Reconcile retries the fulfillment of a claimed payment, or settles a paid session the client never
// confirmed. It bypasses actor checks.
func (s *checkoutService) Reconcile(ctx context.Context, wizardID string) (Wizard, error) {
	w, err := s.wizards.Get(ctx, strings.TrimSpace(wizardID))
	if err != nil {
		return Wizard{}, translateRepoError(err, "wizard")
	}
	if w.Step == domain.StepCompleted && w.OrderID != "" {
		return *w, nil
	}

	txn := w.ConfirmedTransactionID
	if txn == "" && w.Session != nil {
		txn = w.Session.ID
	}
	if txn == "" {
		return Wizard{}, fmt.Errorf("%w: wizard %s has no payment to reconcile", ErrInvalidTransition, w.ID)
	}

	mode := paymentModeFor(w)
	if w.Session != nil && w.Session.ID == txn {
		mode = w.Session.Mode
	}
	var details *payments.PaymentDetails
	if strings.HasPrefix(txn, freeOrderPrefix) {
		if w.Totals.Total > 0 {
			return Wizard{}, validationError("free order reference on a paid wizard")
		}
	} else {
		d, err := s.lookup(ctx, w.Gateway, mode, txn)
		if err != nil {
			return Wizard{}, err
		}
		if err := s.checkPaid(w, d); err != nil {
			return Wizard{}, err
		}
		details = &d
	}

	if w.ConfirmedTransactionID == "" {
		w, err = s.wizards.Update(ctx, w.ID, func(cur *Wizard) error {
			if cur.ConfirmedTransactionID != "" && cur.ConfirmedTransactionID != txn {
				return fmt.Errorf("%w: wizard already claimed by %s", ErrConflict, cur.ConfirmedTransactionID)
			}
			cur.ConfirmedTransactionID = txn
			cur.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			return Wizard{}, s.storeError(err)
		}
	}
	s.logger(ctx, "checkout.reconcile.started", map[string]any{"wizardId": w.ID, "transactionId": txn})
	return s.commitClaimed(ctx, w, txn, mode, details)
}

type settlementState int

const (
	settlementOpen settlementState = iota
	settlementDone
	// settlementSuperseded means txn is not the wizard's current session.
	settlementSuperseded
)

// loadForSettlement reports whether txn can be settled against the current session, already completed
// the wizard, or belongs to a session that has since been replaced.
func (s *checkoutService) loadForSettlement(ctx context.Context, cmd WizardCommand, txn string, gateway domain.Gateway) (*Wizard, settlementState, error) {
	w, err := s.load(ctx, cmd)
	if err != nil {
		return nil, settlementOpen, err
	}
	if w.Failure != nil {
		return w, settlementOpen, fulfillmentFailure(w)
	}
	if w.Step == domain.StepCompleted {
		if w.ConfirmedTransactionID == txn {
			return w, settlementDone, nil
		}
		return nil, settlementOpen, fmt.Errorf("%w: wizard already completed", ErrInvalidTransition)
	}
	if err := requireStep(w, domain.StepPayment); err != nil {
		return nil, settlementOpen, err
	}
	if w.ConfirmedTransactionID == txn {
		return w, settlementDone, nil
	}
	if w.Gateway != gateway {
		return nil, settlementOpen, validationError("wizard uses the %s gateway", w.Gateway)
	}
	if w.Session == nil || w.Session.ID != txn {
		return w, settlementSuperseded, nil
	}
	return w, settlementOpen, nil
}

func errStaleSession() error {
	return FieldErrors{"transactionId": "does not match the current payment session"}
}

// settleSuperseded handles a card payment confirmed against a session the wizard has since replaced,
// for example after a coupon change. A succeeded payment created for this wizard settles normally when
// it still covers the total. Otherwise it is claimed and recorded as a fulfillment failure so support
// can refund or complete it by hand.
func (s *checkoutService) settleSuperseded(ctx context.Context, cmd WizardCommand, w *Wizard, txn string) (Wizard, error) {
	mode := paymentModeFor(w)
	details, err := s.lookup(ctx, w.Gateway, mode, txn)
	if err != nil {
		return Wizard{}, err
	}
	if details.Metadata["wizardId"] != w.ID || details.Status != payments.StatusSucceeded {
		return Wizard{}, errStaleSession()
	}
	if err := s.checkPaid(w, details); err == nil {
		return s.settle(ctx, cmd, txn, mode, &details)
	}

	failed, err := s.mutate(ctx, cmd, func(cur *Wizard) error {
		if cur.Failure != nil {
			return fulfillmentFailure(cur)
		}
		if cur.ConfirmedTransactionID != "" && cur.ConfirmedTransactionID != txn {
			return fmt.Errorf("%w: wizard already claimed by another payment", ErrConflict)
		}
		if err := requireStep(cur, domain.StepPayment); err != nil {
			return err
		}
		cur.ConfirmedTransactionID = txn
		invalidateSession(cur)
		cur.Failure = &domain.Failure{
			Kind:      domain.FailureFulfillment,
			Reference: txn,
			Message:   "Your payment was received but no longer matches your order. Please contact support.",
			At:        s.now(),
		}
		return nil
	})
	s.logger(ctx, "checkout.payment.unmatched", map[string]any{
		"wizardId":      w.ID,
		"transactionId": txn,
		"paid":          details.Amount,
		"currency":      details.Currency,
		"total":         w.Totals.Total,
	})
	if err != nil {
		return deref(failed), err
	}
	s.sessions.Stop(w.ID)
	return *failed, fmt.Errorf("%w: payment %s does not match the order total", ErrFulfillment, txn)
}

func (s *checkoutService) lookup(ctx context.Context, gateway domain.Gateway, mode domain.PaymentMode, txn string) (payments.PaymentDetails, error) {
	provider, err := s.payments.Resolve(gateway, mode)
	if err != nil {
		return payments.PaymentDetails{}, translateGatewayError(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	details, err := provider.LookupPayment(ctx, payments.LookupRequest{ID: txn})
	if err != nil {
		return payments.PaymentDetails{}, translateGatewayError(err)
	}
	return details, nil
}

func (s *checkoutService) checkPaid(w *Wizard, details payments.PaymentDetails) error {
	switch details.Status {
	case payments.StatusSucceeded:
	case payments.StatusFailed:
		return fmt.Errorf("%w: %s", ErrPaymentIncomplete, nonEmptyString(details.FailureReason, "payment failed"))
	default:
		return fmt.Errorf("%w: status %s", ErrPaymentIncomplete, details.Status)
	}
	if details.Amount != w.Totals.Total {
		return fmt.Errorf("%w: paid amount %d does not match total %d", ErrGatewayValidation, details.Amount, w.Totals.Total)
	}
	if details.Currency != "" && !strings.EqualFold(details.Currency, w.Currency) {
		return fmt.Errorf("%w: paid currency %s does not match %s", ErrGatewayValidation, details.Currency, w.Currency)
	}
	return nil
}

// settle claims the transaction on the wizard and commits the order. A second call for the same
// transaction returns the wizard without committing again. The claim closure may run several times
// under store contention, so claimed only reflects the attempt that was written.
func (s *checkoutService) settle(ctx context.Context, cmd WizardCommand, txn string, mode domain.PaymentMode, details *payments.PaymentDetails) (Wizard, error) {
	claimed := false
	w, err := s.mutate(ctx, cmd, func(w *Wizard) error {
		claimed = false
		if w.Failure != nil {
			return fulfillmentFailure(w)
		}
		if w.ConfirmedTransactionID != "" {
			if w.ConfirmedTransactionID == txn {
				return nil
			}
			return fmt.Errorf("%w: wizard already claimed by another payment", ErrConflict)
		}
		if err := requireStep(w, domain.StepPayment); err != nil {
			return err
		}
		w.ConfirmedTransactionID = txn
		claimed = true
		return nil
	})
	if err != nil {
		return deref(w), err
	}
	if !claimed {
		s.logger(ctx, "checkout.confirm.duplicate", map[string]any{"wizardId": w.ID, "transactionId": txn})
		return *w, nil
	}
	return s.commitClaimed(ctx, w, txn, mode, details)
}

func (s *checkoutService) commitClaimed(ctx context.Context, w *Wizard, txn string, mode domain.PaymentMode, details *payments.PaymentDetails) (Wizard, error) {
	order := orderFromWizard(w, txn, mode, details)
	stored, err := s.fulfillment.Commit(ctx, order, w.CartID)
	if err != nil {
		if !errors.Is(err, ErrFulfillment) {
			return *w, err
		}
		failed, uerr := s.wizards.Update(ctx, w.ID, func(cur *Wizard) error {
			cur.Failure = &domain.Failure{
				Kind:      domain.FailureFulfillment,
				Reference: txn,
				Message:   "Your payment was received but we could not finalise your order. Please contact support.",
				At:        s.now(),
			}
			cur.UpdatedAt = s.now()
			return nil
		})
		if uerr != nil {
			s.logger(ctx, "checkout.failure.persist_failed", map[string]any{"wizardId": w.ID, "error": uerr.Error()})
			failed = w
		}
		s.logger(ctx, "checkout.fulfillment.contact_support", map[string]any{
			"wizardId":      w.ID,
			"transactionId": txn,
			"error":         err.Error(),
		})
		return *failed, err
	}

	s.savePaymentMethod(ctx, w, mode, details)

	done, err := s.wizards.Update(ctx, w.ID, func(cur *Wizard) error {
		cur.OrderID = stored.ID
		cur.Failure = nil
		cur.Session = nil
		cur.SessionError = nil
		if cur.Step != domain.StepCompleted {
			from := cur.Step
			cur.Step = domain.StepCompleted
			s.metrics.RecordTransition(ctx, string(from), string(domain.StepCompleted))
		}
		cur.UpdatedAt = s.now()
		return nil
	})
	s.sessions.Stop(w.ID)
	if err != nil {
		return Wizard{}, s.storeError(err)
	}
	s.logger(ctx, "checkout.wizard.completed", map[string]any{
		"wizardId": done.ID,
		"orderId":  stored.ID,
		"total":    stored.Total,
	})
	return *done, nil
}

func (s *checkoutService) savePaymentMethod(ctx context.Context, w *Wizard, mode domain.PaymentMode, details *payments.PaymentDetails) {
	if details == nil || s.paymentMethods == nil || w.UserID == "" || !w.SaveCard || w.SavedMethodToken != "" {
		return
	}
	if w.Gateway != domain.GatewayCard || details.PaymentMethod == "" {
		return
	}
	method := PaymentMethod{
		Provider:  details.Provider,
		Token:     details.PaymentMethod,
		Brand:     details.CardBrand,
		Last4:     details.CardLast4,
		Mode:      mode,
		CreatedAt: s.now(),
	}
	if s.cardLookup != nil {
		if card, err := s.cardLookup.Lookup(ctx, details.PaymentMethod); err == nil {
			method.Brand = nonEmptyString(card.Brand, method.Brand)
			method.Last4 = nonEmptyString(card.Last4, method.Last4)
			method.ExpMonth = card.ExpMonth
			method.ExpYear = card.ExpYear
		}
	}
	if _, err := s.paymentMethods.Insert(ctx, w.UserID, method); err != nil && !repositories.IsConflict(err) {
		s.logger(ctx, "checkout.card.save_failed", map[string]any{"userId": w.UserID, "error": err.Error()})
	}
}

func orderFromWizard(w *Wizard, txn string, mode domain.PaymentMode, details *payments.PaymentDetails) Order {
	order := Order{
		ID:            txn,
		UserID:        w.UserID,
		TransactionID: txn,
		Gateway:       w.Gateway,
		Mode:          mode,
		Currency:      w.Currency,
		Subtotal:      w.Totals.Subtotal,
		Discount:      w.Totals.Discount,
		Total:         w.Totals.Total,
		CouponCode:    w.CouponCode(),
		Items:         domain.OrderLinesFromCart(w.Items),
		Billing:       w.Billing,
		TestMode:      mode == domain.PaymentModeTest,
		Status:        domain.OrderStatusCompleted,
	}
	if details != nil {
		order.CardBrand = details.CardBrand
		order.CardLast4 = details.CardLast4
	}
	return order
}

func fulfillmentFailure(w *Wizard) error {
	return fmt.Errorf("%w: reference %s", ErrFulfillment, w.Failure.Reference)
}

func (s *checkoutService) load(ctx context.Context, cmd WizardCommand) (*Wizard, error) {
	id := strings.TrimSpace(cmd.WizardID)
	if id == "" {
		return nil, FieldErrors{"wizardId": "is required"}
	}
	w, err := s.wizards.Get(ctx, id)
	if err != nil {
		return nil, translateRepoError(err, "wizard")
	}
	if err := authorize(w, cmd.Actor); err != nil {
		return nil, err
	}
	return w, nil
}

// mutate applies fn through the store's atomic update after re-checking access. Errors returned by fn
// are passed through untouched.
func (s *checkoutService) mutate(ctx context.Context, cmd WizardCommand, fn func(*Wizard) error) (*Wizard, error) {
	id := strings.TrimSpace(cmd.WizardID)
	if id == "" {
		return nil, FieldErrors{"wizardId": "is required"}
	}
	var (
		fnErr error
		from  WizardStep
	)
	w, err := s.wizards.Update(ctx, id, func(w *Wizard) error {
		if fnErr = authorize(w, cmd.Actor); fnErr != nil {
			return fnErr
		}
		from = w.Step
		if fnErr = fn(w); fnErr != nil {
			return fnErr
		}
		w.UpdatedAt = s.now()
		return nil
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, s.storeError(err)
	}
	if w.Step != from {
		s.metrics.RecordTransition(ctx, string(from), string(w.Step))
	}
	return w, nil
}

func (s *checkoutService) storeError(err error) error {
	return translateRepoError(err, "wizard")
}

func authorize(w *Wizard, actor Actor) error {
	if w.UserID != "" && w.UserID != actor.UserID {
		return fmt.Errorf("%w: wizard belongs to another customer", ErrForbidden)
	}
	return nil
}

func deref(w *Wizard) Wizard {
	if w == nil {
		return Wizard{}
	}
	return *w
}

func nonEmptyString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
