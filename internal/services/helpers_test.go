package services

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/repositories"
	"github.com/freshstl/storefront/internal/repositories/wizards"
)

var testNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type repoErr struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repoErr) Error() string       { return "repository error" }
func (e *repoErr) IsNotFound() bool    { return e.notFound }
func (e *repoErr) IsConflict() bool    { return e.conflict }
func (e *repoErr) IsUnavailable() bool { return e.unavailable }

type memCarts struct {
	mu    sync.Mutex
	carts map[string]domain.Cart
	err   error
	saves int
}

func newMemCarts(carts ...domain.Cart) *memCarts {
	m := &memCarts{carts: make(map[string]domain.Cart)}
	for _, c := range carts {
		m.carts[c.ID] = c
	}
	return m
}

func (m *memCarts) Get(_ context.Context, id string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Cart{}, m.err
	}
	cart, ok := m.carts[id]
	if !ok {
		return domain.Cart{}, &repoErr{notFound: true}
	}
	cart.Items = append([]domain.CartLineItem(nil), cart.Items...)
	return cart, nil
}

func (m *memCarts) Save(_ context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Cart{}, m.err
	}
	if expected != nil {
		if stored, ok := m.carts[cart.ID]; ok && !stored.UpdatedAt.Equal(*expected) {
			return domain.Cart{}, &repoErr{conflict: true}
		}
	}
	m.saves++
	m.carts[cart.ID] = cart
	return cart, nil
}

func (m *memCarts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, id)
	return nil
}

type stubProducts map[string]domain.Product

func (s stubProducts) Get(_ context.Context, id string) (domain.Product, error) {
	p, ok := s[id]
	if !ok {
		return domain.Product{}, &repoErr{notFound: true}
	}
	return p, nil
}

type stubCoupons map[string]domain.Coupon

func (s stubCoupons) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	c, ok := s[code]
	if !ok {
		return domain.Coupon{}, &repoErr{notFound: true}
	}
	return c, nil
}

type stubCustomers struct {
	mu       sync.Mutex
	profiles map[string]domain.CustomerProfile
	sets     int
}

func (s *stubCustomers) Get(_ context.Context, uid string) (domain.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[uid]
	if !ok {
		return domain.CustomerProfile{}, &repoErr{notFound: true}
	}
	return p, nil
}

func (s *stubCustomers) SetStripeCustomer(_ context.Context, uid string, mode domain.PaymentMode, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profiles == nil {
		s.profiles = make(map[string]domain.CustomerProfile)
	}
	p := s.profiles[uid]
	p.UserID = uid
	if p.StripeCustomerIDs == nil {
		p.StripeCustomerIDs = make(map[domain.PaymentMode]string)
	}
	p.StripeCustomerIDs[mode] = id
	s.profiles[uid] = p
	s.sets++
	return nil
}

type memPaymentMethods struct {
	mu      sync.Mutex
	methods map[string][]domain.PaymentMethod
	nextID  int
}

func newMemPaymentMethods() *memPaymentMethods {
	return &memPaymentMethods{methods: make(map[string][]domain.PaymentMethod)}
}

func (m *memPaymentMethods) List(_ context.Context, uid string) ([]domain.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PaymentMethod(nil), m.methods[uid]...), nil
}

func (m *memPaymentMethods) Get(_ context.Context, uid, id string) (domain.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pm := range m.methods[uid] {
		if pm.ID == id {
			return pm, nil
		}
	}
	return domain.PaymentMethod{}, &repoErr{notFound: true}
}

func (m *memPaymentMethods) Insert(_ context.Context, uid string, pm domain.PaymentMethod) (domain.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.methods[uid] {
		if existing.Token == pm.Token {
			return domain.PaymentMethod{}, &repoErr{conflict: true}
		}
	}
	if pm.ID == "" {
		m.nextID++
		pm.ID = "pm-doc-" + strconv.Itoa(m.nextID)
	}
	m.methods[uid] = append(m.methods[uid], pm)
	return pm, nil
}

func (m *memPaymentMethods) Delete(_ context.Context, uid, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.methods[uid]
	for i, pm := range list {
		if pm.ID == id {
			m.methods[uid] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return &repoErr{notFound: true}
}

type stubFulfillmentRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	purchases map[string][]domain.Purchase
	deleted   []string
	err       error
	commits   int
}

func newStubFulfillmentRepo() *stubFulfillmentRepo {
	return &stubFulfillmentRepo{orders: make(map[string]domain.Order), purchases: make(map[string][]domain.Purchase)}
}

func (r *stubFulfillmentRepo) Commit(_ context.Context, order domain.Order, purchases []domain.Purchase, cartID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
	if r.err != nil {
		return domain.Order{}, r.err
	}
	if existing, ok := r.orders[order.ID]; ok {
		return existing, repositories.ErrAlreadyCommitted
	}
	r.orders[order.ID] = order
	r.purchases[order.ID] = purchases
	r.deleted = append(r.deleted, cartID)
	return order, nil
}

func (r *stubFulfillmentRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if p.err != nil {
		return "", p.err
	}
	return "msg-1", nil
}

// fakeGateway is a payments.Provider with scripted responses.
type fakeGateway struct {
	mu         sync.Mutex
	name       string
	session    payments.Session
	createErr  error
	details    payments.PaymentDetails
	lookupErr  error
	customerID string

	creates     int
	lookups     int
	customers   int
	lastRequest payments.SessionRequest
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreateSession(_ context.Context, req payments.SessionRequest) (payments.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	g.lastRequest = req
	if g.createErr != nil {
		return payments.Session{}, g.createErr
	}
	return g.session, nil
}

func (g *fakeGateway) LookupPayment(_ context.Context, _ payments.LookupRequest) (payments.PaymentDetails, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.lookupErr != nil {
		return payments.PaymentDetails{}, g.lookupErr
	}
	return g.details, nil
}

func (g *fakeGateway) EnsureCustomer(_ context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return g.customerID, nil
}

func (g *fakeGateway) counts() (creates, lookups int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.lookups
}

type stubResolver struct {
	providers map[payments.Key]payments.Provider
}

func (r stubResolver) Resolve(gateway domain.Gateway, mode domain.PaymentMode) (payments.Provider, error) {
	p, ok := r.providers[payments.Key{Gateway: gateway, Mode: mode}]
	if !ok {
		return nil, payments.ErrNotConfigured
	}
	return p, nil
}

type stubAccounts struct {
	loginFn    func(email, password string) (IdentitySession, error)
	registerFn func(email, password, name string) (IdentitySession, error)
	calls      int
}

func (a *stubAccounts) Login(_ context.Context, email, password string) (IdentitySession, error) {
	a.calls++
	if a.loginFn == nil {
		return IdentitySession{UID: "uid-" + email, Email: email, IDToken: "token"}, nil
	}
	return a.loginFn(email, password)
}

func (a *stubAccounts) Register(_ context.Context, email, password, name string) (IdentitySession, error) {
	a.calls++
	if a.registerFn == nil {
		return IdentitySession{UID: "new-" + email, Email: email, IDToken: "token"}, nil
	}
	return a.registerFn(email, password, name)
}

type scheduleCall struct {
	wizardID  string
	token     uint64
	immediate bool
}

type recordingScheduler struct {
	mu        sync.Mutex
	schedules []scheduleCall
	stops     []string
}

func (r *recordingScheduler) Schedule(id string, token uint64, immediate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = append(r.schedules, scheduleCall{wizardID: id, token: token, immediate: immediate})
}

func (r *recordingScheduler) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, id)
}

func (r *recordingScheduler) last(t *testing.T) scheduleCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.schedules) == 0 {
		t.Fatalf("expected a scheduled session initialisation")
	}
	return r.schedules[len(r.schedules)-1]
}

type staticSettings struct {
	settings CheckoutSettings
}

func (s staticSettings) Current() CheckoutSettings { return s.settings }

func newTestWizardStore() *wizards.MemoryStore {
	return wizards.NewMemoryStore(wizards.Options{Clock: fixedClock})
}
