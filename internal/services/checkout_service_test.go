package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/repositories"
	"github.com/freshstl/storefront/internal/repositories/wizards"
)

type checkoutFixture struct {
	svc      CheckoutService
	carts    *memCarts
	store    repositories.WizardStore
	sched    *recordingScheduler
	card     *fakeGateway
	wallet   *fakeGateway
	orders   *stubFulfillmentRepo
	methods  *memPaymentMethods
	accounts *stubAccounts
}

func cardSettings() CheckoutSettings {
	return CheckoutSettings{
		GatewayMode:      domain.GatewayModeStripe,
		DefaultCurrency:  "USD",
		RegionalCurrency: "TND",
	}
}

func newCheckoutFixture(t *testing.T, settings CheckoutSettings) *checkoutFixture {
	t.Helper()
	return newCheckoutFixtureWithStore(t, settings, newTestWizardStore())
}

func newCheckoutFixtureWithStore(t *testing.T, settings CheckoutSettings, store repositories.WizardStore) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		carts: newMemCarts(domain.Cart{
			ID:       "cart-1",
			Currency: "USD",
			Items: []domain.CartLineItem{
				{ProductID: "benchy", Name: "Benchy", Price: 1500},
				{ProductID: "vase", Name: "Vase", Price: 2500},
			},
		}, domain.Cart{ID: "cart-empty", Currency: "USD"}),
		store:    store,
		sched:    &recordingScheduler{},
		card:     &fakeGateway{name: "stripe"},
		wallet:   &fakeGateway{name: "flouci"},
		orders:   newStubFulfillmentRepo(),
		methods:  newMemPaymentMethods(),
		accounts: &stubAccounts{},
	}
	fulfillment, err := NewFulfillmentService(FulfillmentServiceDeps{
		Repository: f.orders,
		Products:   stubProducts{},
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	ids := 0
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:          f.carts,
		Wizards:        f.store,
		PaymentMethods: f.methods,
		Settings:       staticSettings{settings: settings},
		Promotions: mustPromotions(t, stubCoupons{
			"SPRING10": {Code: "SPRING10", DiscountPercent: 10, Active: true},
			"FREE100":  {Code: "FREE100", DiscountPercent: 100, Active: true},
		}),
		Accounts: f.accounts,
		Sessions: f.sched,
		Payments: stubResolver{providers: map[payments.Key]payments.Provider{
			{Gateway: domain.GatewayCard, Mode: domain.PaymentModeLive}:   f.card,
			{Gateway: domain.GatewayWallet, Mode: domain.PaymentModeLive}: f.wallet,
		}},
		Fulfillment: fulfillment,
		Clock:       fixedClock,
		IDGenerator: func() string {
			ids++
			return "wiz-" + string(rune('0'+ids))
		},
		WalletPollAttempts: 1,
		WalletPollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	f.svc = svc
	return f
}

func mustPromotions(t *testing.T, coupons stubCoupons) *PromotionService {
	t.Helper()
	svc, err := NewPromotionService(PromotionServiceDeps{Coupons: coupons})
	if err != nil {
		t.Fatalf("NewPromotionService: %v", err)
	}
	return svc
}

func billing() BillingProfile {
	return BillingProfile{FullName: "Ada Lovelace", Email: "Ada@Example.com", CountryCode: "tn"}
}

// toPayment drives a wizard from start to the payment step as a guest who logs in.
func (f *checkoutFixture) toPayment(t *testing.T, actor Actor) Wizard {
	t.Helper()
	ctx := context.Background()
	w, err := f.svc.Start(ctx, StartCheckoutCommand{Actor: actor, CartID: "cart-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cmd := WizardCommand{Actor: actor, WizardID: w.ID}
	if _, err := f.svc.Proceed(ctx, cmd); err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	res, err := f.svc.Advance(ctx, AdvanceCommand{WizardCommand: cmd, Billing: billing(), Password: "hunter22"})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	return res.Wizard
}

// attachSession stands in for the coordinator landing a session for the current token.
func (f *checkoutFixture) attachSession(t *testing.T, wizardID, sessionID string) {
	t.Helper()
	_, err := f.store.Update(context.Background(), wizardID, func(w *Wizard) error {
		w.Session = &GatewaySession{
			ID:       sessionID,
			Gateway:  w.Gateway,
			Mode:     domain.PaymentModeLive,
			Amount:   w.Totals.Total,
			Currency: w.Currency,
			Token:    w.SessionToken,
		}
		return nil
	})
	if err != nil {
		t.Fatalf("attach session: %v", err)
	}
}

func userCmd(w Wizard) WizardCommand {
	return WizardCommand{Actor: Actor{UserID: w.UserID}, WizardID: w.ID}
}

func TestCheckoutCardHappyPath(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()

	w := f.toPayment(t, Actor{})
	if w.Step != domain.StepPayment {
		t.Fatalf("expected payment step, got %s", w.Step)
	}
	if w.UserID != "uid-ada@example.com" {
		t.Fatalf("expected wizard bound to logged in user, got %q", w.UserID)
	}
	if w.Gateway != domain.GatewayCard || w.Currency != "USD" || w.Totals.Total != 4000 {
		t.Fatalf("unexpected wizard %+v", w)
	}
	call := f.sched.last(t)
	if !call.immediate || call.token != w.SessionToken {
		t.Fatalf("entering payment should schedule immediately with the current token, got %+v", call)
	}

	f.attachSession(t, w.ID, "pi_1")
	f.card.details = payments.PaymentDetails{Provider: "stripe", Status: payments.StatusSucceeded, Amount: 4000, Currency: "usd"}

	done, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_1"})
	if err != nil {
		t.Fatalf("ConfirmCard: %v", err)
	}
	if done.Step != domain.StepCompleted || done.OrderID != "pi_1" {
		t.Fatalf("expected completed wizard with order pi_1, got %s %q", done.Step, done.OrderID)
	}
	if done.Session != nil {
		t.Fatalf("completed wizard should not keep the session")
	}
	order := f.orders.orders["pi_1"]
	if order.Total != 4000 || order.UserID != w.UserID || len(order.Items) != 2 {
		t.Fatalf("unexpected order %+v", order)
	}
	if len(f.orders.deleted) != 1 || f.orders.deleted[0] != "cart-1" {
		t.Fatalf("expected cart deletion to be part of the commit, got %v", f.orders.deleted)
	}

	again, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_1"})
	if err != nil {
		t.Fatalf("duplicate confirm: %v", err)
	}
	if again.Step != domain.StepCompleted {
		t.Fatalf("duplicate confirm should return the completed wizard")
	}
	if f.orders.commits != 1 {
		t.Fatalf("expected a single commit, got %d", f.orders.commits)
	}
}

func TestCheckoutAdvanceAuthFailureStaysInCustomerInfo(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	f.accounts.loginFn = func(string, string) (IdentitySession, error) {
		return IdentitySession{}, fmt.Errorf("%w: INVALID_PASSWORD", ErrAuth)
	}
	ctx := context.Background()

	w, _ := f.svc.Start(ctx, StartCheckoutCommand{CartID: "cart-1"})
	cmd := WizardCommand{WizardID: w.ID}
	_, _ = f.svc.Proceed(ctx, cmd)

	_, err := f.svc.Advance(ctx, AdvanceCommand{WizardCommand: cmd, Billing: billing(), Password: "wrong"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	stored, _ := f.svc.GetWizard(ctx, cmd)
	if stored.Step != domain.StepCustomerInfo {
		t.Fatalf("expected customer_info, got %s", stored.Step)
	}
	if stored.UserID != "" {
		t.Fatalf("failed login must not bind a user")
	}
	if stored.Billing.Email != "ada@example.com" {
		t.Fatalf("expected billing draft kept, got %+v", stored.Billing)
	}
	if len(f.sched.schedules) != 0 {
		t.Fatalf("no session should be scheduled")
	}
}

func TestCheckoutAdvanceRequiresEmail(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()
	w, _ := f.svc.Start(ctx, StartCheckoutCommand{CartID: "cart-1"})
	cmd := WizardCommand{WizardID: w.ID}
	_, _ = f.svc.Proceed(ctx, cmd)

	profile := billing()
	profile.Email = "   "
	_, err := f.svc.Advance(ctx, AdvanceCommand{WizardCommand: cmd, Billing: profile, Password: "x"})
	var fields FieldErrors
	if !errors.As(err, &fields) || fields["email"] == "" {
		t.Fatalf("expected email field error, got %v", err)
	}
	if f.accounts.calls != 0 {
		t.Fatalf("identity provider must not be called")
	}
	stored, _ := f.svc.GetWizard(ctx, cmd)
	if stored.Step != domain.StepCustomerInfo {
		t.Fatalf("expected customer_info, got %s", stored.Step)
	}
}

func TestCheckoutSignedInUserSkipsAuthentication(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()
	actor := Actor{UserID: "uid-7", Email: "seven@example.com"}

	w, err := f.svc.Start(ctx, StartCheckoutCommand{Actor: actor, CartID: "cart-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.Billing.Email != "seven@example.com" {
		t.Fatalf("expected billing e-mail prefilled, got %q", w.Billing.Email)
	}
	cmd := WizardCommand{Actor: actor, WizardID: w.ID}
	_, _ = f.svc.Proceed(ctx, cmd)
	res, err := f.svc.Advance(ctx, AdvanceCommand{WizardCommand: cmd, Billing: billing()})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.IDToken != "" || f.accounts.calls != 0 {
		t.Fatalf("signed in customer should not log in again")
	}
	if res.Wizard.UserID != "uid-7" {
		t.Fatalf("unexpected user %q", res.Wizard.UserID)
	}

	if _, err := f.svc.GetWizard(ctx, WizardCommand{Actor: Actor{UserID: "uid-8"}, WizardID: w.ID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another user, got %v", err)
	}
}

func TestCheckoutFullDiscountPlacesFreeOrder(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()
	actor := Actor{UserID: "uid-7", Email: "seven@example.com"}

	w, _ := f.svc.Start(ctx, StartCheckoutCommand{Actor: actor, CartID: "cart-1"})
	cmd := WizardCommand{Actor: actor, WizardID: w.ID}
	_, _ = f.svc.Proceed(ctx, cmd)
	priced, err := f.svc.ApplyCoupon(ctx, ApplyCouponCommand{WizardCommand: cmd, Code: "free100"})
	if err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	if priced.Totals.Total != 0 || priced.Totals.Discount != 4000 {
		t.Fatalf("unexpected totals %+v", priced.Totals)
	}
	if _, err := f.svc.Advance(ctx, AdvanceCommand{WizardCommand: cmd, Billing: billing()}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if len(f.sched.schedules) != 0 {
		t.Fatalf("free order must not initialise a session")
	}

	done, err := f.svc.PlaceFreeOrder(ctx, cmd)
	if err != nil {
		t.Fatalf("PlaceFreeOrder: %v", err)
	}
	if done.Step != domain.StepCompleted || done.OrderID != "free_"+w.ID {
		t.Fatalf("unexpected wizard %s %q", done.Step, done.OrderID)
	}
	if _, lookups := f.card.counts(); lookups != 0 {
		t.Fatalf("free order must not contact the gateway")
	}
	if order := f.orders.orders[done.OrderID]; order.CouponCode != "FREE100" || order.Total != 0 {
		t.Fatalf("unexpected order %+v", order)
	}
	if _, err := f.svc.PlaceFreeOrder(ctx, cmd); err != nil {
		t.Fatalf("repeated free order should be idempotent: %v", err)
	}
	if f.orders.commits != 1 {
		t.Fatalf("expected one commit, got %d", f.orders.commits)
	}
}

func TestCheckoutPaidOrderRejectsFreePlacement(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	w := f.toPayment(t, Actor{})
	if _, err := f.svc.PlaceFreeOrder(context.Background(), userCmd(w)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheckoutFulfillmentFailureIsRecordedAndReconciled(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()
	w := f.toPayment(t, Actor{})
	f.attachSession(t, w.ID, "pi_9")
	f.card.details = payments.PaymentDetails{Status: payments.StatusSucceeded, Amount: 4000, Currency: "USD"}
	f.orders.err = &repoErr{unavailable: true}

	failed, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_9"})
	if !errors.Is(err, ErrFulfillment) {
		t.Fatalf("expected ErrFulfillment, got %v", err)
	}
	if failed.Failure == nil || failed.Failure.Reference != "pi_9" {
		t.Fatalf("expected failure with reference, got %+v", failed.Failure)
	}
	_, lookups := f.card.counts()

	_, err = f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_9"})
	if !errors.Is(err, ErrFulfillment) {
		t.Fatalf("expected stored failure on retry, got %v", err)
	}
	if _, again := f.card.counts(); again != lookups {
		t.Fatalf("failed wizard must not query the gateway again")
	}

	f.orders.err = nil
	done, err := f.svc.Reconcile(ctx, w.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if done.Step != domain.StepCompleted || done.Failure != nil || done.OrderID != "pi_9" {
		t.Fatalf("expected reconciled wizard, got %s %+v", done.Step, done.Failure)
	}
}

func TestCheckoutConfirmRejectsMismatchedPayment(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()
	w := f.toPayment(t, Actor{})
	f.attachSession(t, w.ID, "pi_1")

	f.card.details = payments.PaymentDetails{Status: payments.StatusSucceeded, Amount: 100, Currency: "USD"}
	if _, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_1"}); !errors.Is(err, ErrGatewayValidation) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}

	f.card.details = payments.PaymentDetails{Status: payments.StatusPending, Amount: 4000, Currency: "USD"}
	if _, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_1"}); !errors.Is(err, ErrPaymentIncomplete) {
		t.Fatalf("expected incomplete payment, got %v", err)
	}

	if _, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_other"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown transaction to be rejected, got %v", err)
	}
	if f.orders.commits != 0 {
		t.Fatalf("nothing should be committed")
	}
}

func TestCheckoutCouponInPaymentReinitialisesWithDebounce(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	w := f.toPayment(t, Actor{})
	f.attachSession(t, w.ID, "pi_1")

	updated, err := f.svc.ApplyCoupon(context.Background(), ApplyCouponCommand{WizardCommand: userCmd(w), Code: "SPRING10"})
	if err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	if updated.Totals.Total != 3600 {
		t.Fatalf("expected 3600, got %d", updated.Totals.Total)
	}
	if updated.Session != nil || updated.SessionToken != w.SessionToken+1 {
		t.Fatalf("coupon should invalidate the session, token %d", updated.SessionToken)
	}
	call := f.sched.last(t)
	if call.immediate || call.token != updated.SessionToken {
		t.Fatalf("expected debounced trigger for the new token, got %+v", call)
	}

	removed, err := f.svc.RemoveCoupon(context.Background(), userCmd(w))
	if err != nil {
		t.Fatalf("RemoveCoupon: %v", err)
	}
	if removed.Coupon != nil || removed.Totals.Total != 4000 {
		t.Fatalf("unexpected wizard after removing coupon: %+v", removed.Totals)
	}
}

func TestCheckoutBackCancelResume(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()
	w := f.toPayment(t, Actor{})
	cmd := userCmd(w)

	back, err := f.svc.Back(ctx, cmd)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if back.Step != domain.StepCustomerInfo || back.SessionToken == w.SessionToken {
		t.Fatalf("back from payment should invalidate the session: %s %d", back.Step, back.SessionToken)
	}
	if len(f.sched.stops) != 1 {
		t.Fatalf("expected pending initialisation to be stopped")
	}

	if _, err := f.svc.Cancel(ctx, cmd); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel outside payment should fail, got %v", err)
	}
	if _, err := f.svc.Advance(ctx, AdvanceCommand{WizardCommand: cmd, Billing: billing()}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cancelled, err := f.svc.Cancel(ctx, cmd)
	if err != nil || cancelled.Step != domain.StepCancelled {
		t.Fatalf("Cancel: %v %s", err, cancelled.Step)
	}
	resumed, err := f.svc.Resume(ctx, cmd)
	if err != nil || resumed.Step != domain.StepCustomerInfo {
		t.Fatalf("Resume: %v %s", err, resumed.Step)
	}
}

func TestCheckoutStartValidation(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()

	if _, err := f.svc.Start(ctx, StartCheckoutCommand{CartID: "cart-empty"}); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	if _, err := f.svc.Start(ctx, StartCheckoutCommand{CartID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Start(ctx, StartCheckoutCommand{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheckoutWalletVerification(t *testing.T) {
	settings := cardSettings()
	settings.GatewayMode = domain.GatewayModeFlouci
	f := newCheckoutFixture(t, settings)
	ctx := context.Background()

	w := f.toPayment(t, Actor{})
	if w.Gateway != domain.GatewayWallet || w.Currency != "TND" {
		t.Fatalf("expected wallet in TND, got %s %s", w.Gateway, w.Currency)
	}
	f.attachSession(t, w.ID, "flouci-1")
	cmd := ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "flouci-1"}

	f.wallet.details = payments.PaymentDetails{Status: payments.StatusPending}
	pending, err := f.svc.VerifyWallet(ctx, cmd)
	if err != nil {
		t.Fatalf("VerifyWallet: %v", err)
	}
	if !pending.Pending || pending.Wizard.Step != domain.StepPayment {
		t.Fatalf("expected pending verification, got %+v", pending)
	}

	f.wallet.details = payments.PaymentDetails{Status: payments.StatusSucceeded, Amount: 4000, Currency: "TND"}
	verified, err := f.svc.VerifyWallet(ctx, cmd)
	if err != nil {
		t.Fatalf("VerifyWallet: %v", err)
	}
	if verified.Pending || verified.Wizard.Step != domain.StepCompleted {
		t.Fatalf("expected completed wizard, got %+v", verified)
	}
	if order := f.orders.orders["flouci-1"]; order.Gateway != domain.GatewayWallet || order.Currency != "TND" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestCheckoutSelectSavedCard(t *testing.T) {
	f := newCheckoutFixture(t, cardSettings())
	ctx := context.Background()
	w := f.toPayment(t, Actor{})
	live, _ := f.methods.Insert(ctx, w.UserID, PaymentMethod{Token: "pm_live", Brand: "visa", Last4: "4242", Mode: domain.PaymentModeLive})
	test, _ := f.methods.Insert(ctx, w.UserID, PaymentMethod{Token: "pm_test", Mode: domain.PaymentModeTest})

	selected, err := f.svc.SelectPaymentMethod(ctx, SelectPaymentMethodCommand{WizardCommand: userCmd(w), SavedMethodID: live.ID})
	if err != nil {
		t.Fatalf("SelectPaymentMethod: %v", err)
	}
	if selected.SavedMethodID != live.ID || selected.SavedMethodToken != "pm_live" || selected.SaveCard {
		t.Fatalf("unexpected selection %q %q %v", selected.SavedMethodID, selected.SavedMethodToken, selected.SaveCard)
	}
	if call := f.sched.last(t); call.immediate {
		t.Fatalf("method change should be debounced")
	}

	_, err = f.svc.SelectPaymentMethod(ctx, SelectPaymentMethodCommand{WizardCommand: userCmd(w), SavedMethodID: test.ID})
	var fields FieldErrors
	if !errors.As(err, &fields) || fields["savedMethodId"] == "" {
		t.Fatalf("expected mode mismatch, got %v", err)
	}

	newCard, err := f.svc.SelectPaymentMethod(ctx, SelectPaymentMethodCommand{WizardCommand: userCmd(w), SaveCard: true})
	if err != nil {
		t.Fatalf("SelectPaymentMethod: %v", err)
	}
	if newCard.SavedMethodID != "" || newCard.SavedMethodToken != "" || !newCard.SaveCard {
		t.Fatalf("expected new card with save flag")
	}

	f.attachSession(t, w.ID, "pi_save")
	f.card.details = payments.PaymentDetails{
		Provider:      "stripe",
		Status:        payments.StatusSucceeded,
		Amount:        4000,
		Currency:      "USD",
		PaymentMethod: "pm_new",
		CardBrand:     "mastercard",
		CardLast4:     "4444",
	}
	if _, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_save"}); err != nil {
		t.Fatalf("ConfirmCard: %v", err)
	}
	methods, _ := f.methods.List(ctx, w.UserID)
	if len(methods) != 3 || methods[2].Token != "pm_new" || methods[2].Last4 != "4444" {
		t.Fatalf("expected new card saved, got %+v", methods)
	}
}

// contendedStore runs racer inside the next Update, after the wizard was read and before it is written,
// so the write loses the WATCH and the update function runs again.
type contendedStore struct {
	*wizards.RedisStore
	mu    sync.Mutex
	racer func()
}

func (s *contendedStore) raceNextUpdate(racer func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.racer = racer
}

func (s *contendedStore) Update(ctx context.Context, id string, fn func(*Wizard) error) (*Wizard, error) {
	return s.RedisStore.Update(ctx, id, func(w *Wizard) error {
		s.mu.Lock()
		racer := s.racer
		s.racer = nil
		s.mu.Unlock()
		if racer != nil {
			racer()
		}
		return fn(w)
	})
}

func newContendedStore(t *testing.T) *contendedStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := wizards.NewRedisStore(client, wizards.Options{Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	return &contendedStore{RedisStore: store}
}

func TestCheckoutConcurrentDuplicateConfirmCommitsOnce(t *testing.T) {
	store := newContendedStore(t)
	f := newCheckoutFixtureWithStore(t, cardSettings(), store)
	ctx := context.Background()
	w := f.toPayment(t, Actor{})
	f.attachSession(t, w.ID, "pi_1")
	f.card.details = payments.PaymentDetails{Provider: "stripe", Status: payments.StatusSucceeded, Amount: 4000, Currency: "USD"}
	cmd := ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_1"}

	var (
		concurrent    Wizard
		concurrentErr error
	)
	store.raceNextUpdate(func() {
		concurrent, concurrentErr = f.svc.ConfirmCard(ctx, cmd)
	})
	done, err := f.svc.ConfirmCard(ctx, cmd)
	if err != nil {
		t.Fatalf("ConfirmCard: %v", err)
	}
	if concurrentErr != nil {
		t.Fatalf("concurrent ConfirmCard: %v", concurrentErr)
	}
	if concurrent.Step != domain.StepCompleted || concurrent.OrderID != "pi_1" {
		t.Fatalf("concurrent confirm should complete the wizard, got %s %q", concurrent.Step, concurrent.OrderID)
	}
	if done.Step != domain.StepCompleted || done.OrderID != "pi_1" {
		t.Fatalf("retried confirm should return the completed wizard, got %s %q", done.Step, done.OrderID)
	}
	if f.orders.commits != 1 {
		t.Fatalf("expected one commit for one transaction, got %d", f.orders.commits)
	}
}

func TestCheckoutBackUnderStoreContentionStopsOnlyWhenLeavingPayment(t *testing.T) {
	store := newContendedStore(t)
	f := newCheckoutFixtureWithStore(t, cardSettings(), store)
	ctx := context.Background()
	w := f.toPayment(t, Actor{})
	cmd := userCmd(w)

	store.raceNextUpdate(func() {
		if _, err := f.svc.Back(ctx, cmd); err != nil {
			t.Errorf("concurrent Back: %v", err)
		}
	})
	back, err := f.svc.Back(ctx, cmd)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if back.Step != domain.StepCart {
		t.Fatalf("second Back should land in cart, got %s", back.Step)
	}
	if len(f.sched.stops) != 1 {
		t.Fatalf("only the Back that left payment should stop initialisation, got %d stops", len(f.sched.stops))
	}
}

func TestCheckoutConfirmSupersededSession(t *testing.T) {
	paid := func(wizardID string) payments.PaymentDetails {
		return payments.PaymentDetails{
			Provider: "stripe",
			Status:   payments.StatusSucceeded,
			Amount:   4000,
			Currency: "USD",
			Metadata: map[string]string{"wizardId": wizardID},
		}
	}

	t.Run("unchanged total settles the earlier payment", func(t *testing.T) {
		f := newCheckoutFixture(t, cardSettings())
		ctx := context.Background()
		w := f.toPayment(t, Actor{})
		f.attachSession(t, w.ID, "pi_old")
		if _, err := f.svc.SelectPaymentMethod(ctx, SelectPaymentMethodCommand{WizardCommand: userCmd(w)}); err != nil {
			t.Fatalf("SelectPaymentMethod: %v", err)
		}
		f.card.details = paid(w.ID)

		done, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_old"})
		if err != nil {
			t.Fatalf("ConfirmCard: %v", err)
		}
		if done.Step != domain.StepCompleted || done.OrderID != "pi_old" {
			t.Fatalf("expected order for the earlier payment, got %s %q", done.Step, done.OrderID)
		}
	})

	t.Run("changed total is kept for support", func(t *testing.T) {
		f := newCheckoutFixture(t, cardSettings())
		ctx := context.Background()
		w := f.toPayment(t, Actor{})
		f.attachSession(t, w.ID, "pi_old")
		if _, err := f.svc.ApplyCoupon(ctx, ApplyCouponCommand{WizardCommand: userCmd(w), Code: "SPRING10"}); err != nil {
			t.Fatalf("ApplyCoupon: %v", err)
		}
		f.card.details = paid(w.ID)
		stops := len(f.sched.stops)

		failed, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_old"})
		if !errors.Is(err, ErrFulfillment) {
			t.Fatalf("expected ErrFulfillment, got %v", err)
		}
		if failed.Failure == nil || failed.Failure.Reference != "pi_old" || failed.ConfirmedTransactionID != "pi_old" {
			t.Fatalf("expected the payment to be recorded on the wizard, got %+v", failed.Failure)
		}
		if f.orders.commits != 0 {
			t.Fatalf("a payment that no longer matches the order must not be committed")
		}
		if len(f.sched.stops) != stops+1 {
			t.Fatalf("pending initialisation should be stopped")
		}

		f.attachSession(t, w.ID, "pi_new")
		if _, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_new"}); !errors.Is(err, ErrFulfillment) {
			t.Fatalf("a wizard holding an unmatched payment must not take a second one, got %v", err)
		}
	})

	t.Run("payment for another wizard is rejected", func(t *testing.T) {
		f := newCheckoutFixture(t, cardSettings())
		ctx := context.Background()
		w := f.toPayment(t, Actor{})
		f.attachSession(t, w.ID, "pi_current")
		f.card.details = paid("wiz-other")

		_, err := f.svc.ConfirmCard(ctx, ConfirmPaymentCommand{WizardCommand: userCmd(w), TransactionID: "pi_foreign"})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		stored, err := f.store.Get(ctx, w.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stored.Failure != nil || stored.ConfirmedTransactionID != "" {
			t.Fatalf("foreign payment must not touch the wizard: %+v", stored)
		}
	})
}
