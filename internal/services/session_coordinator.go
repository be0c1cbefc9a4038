package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/repositories"
)

const defaultSessionDebounce = 500 * time.Millisecond

var errSessionSuperseded = errors.New("session superseded")

// AfterFunc arms f to run after d and returns a function that disarms it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// SessionCoordinatorDeps wires the debounced session initialisation.
type SessionCoordinatorDeps struct {
	Store       repositories.WizardStore
	Initializer SessionInitializer
	Debounce    time.Duration
	Timeout     time.Duration
	AfterFunc   AfterFunc
	Clock       func() time.Time
	Logger      Logger
}

type pendingSession struct {
	token uint64
	stop  func() bool
}

// SessionCoordinator owns one timer per wizard. Each trigger carries the wizard's session token; a result is
// written only when the wizard still holds that token.
type SessionCoordinator struct {
	store    repositories.WizardStore
	init     SessionInitializer
	debounce time.Duration
	timeout  time.Duration
	after    AfterFunc
	now      func() time.Time
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]pendingSession
	closed  bool
	wg      sync.WaitGroup
}

// NewSessionCoordinator constructs a coordinator whose goroutines live until Close.
func NewSessionCoordinator(deps SessionCoordinatorDeps) (*SessionCoordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("session coordinator: wizard store is required")
	}
	if deps.Initializer == nil {
		return nil, errors.New("session coordinator: initializer is required")
	}
	debounce := deps.Debounce
	if debounce <= 0 {
		debounce = defaultSessionDebounce
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	after := deps.AfterFunc
	if after == nil {
		after = realAfterFunc
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionCoordinator{
		store:    deps.Store,
		init:     deps.Initializer,
		debounce: debounce,
		timeout:  timeout,
		after:    after,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]pendingSession),
	}, nil
}

// Schedule replaces any pending initialisation for the wizard. immediate skips the debounce and is used
// on the first entry into payment and on explicit retries.
func (c *SessionCoordinator) Schedule(wizardID string, token uint64, immediate bool) {
	delay := c.debounce
	if immediate {
		delay = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev, ok := c.pending[wizardID]; ok {
		prev.stop()
	}
	stop := c.after(delay, func() { c.fire(wizardID, token) })
	c.pending[wizardID] = pendingSession{token: token, stop: stop}
}

// Stop disarms a pending initialisation, e.g. when the wizard leaves payment.
func (c *SessionCoordinator) Stop(wizardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.pending[wizardID]; ok {
		prev.stop()
		delete(c.pending, wizardID)
	}
}

// Close disarms every timer, cancels in-flight initialisations and waits for them to return.
func (c *SessionCoordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for id, p := range c.pending {
		p.stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *SessionCoordinator) fire(wizardID string, token uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if p, ok := c.pending[wizardID]; ok && p.token == token {
		delete(c.pending, wizardID)
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.run(wizardID, token)
}

func (c *SessionCoordinator) run(wizardID string, token uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	w, err := c.store.Get(ctx, wizardID)
	if err != nil {
		c.logger(ctx, "checkout.session.load_failed", map[string]any{"wizardId": wizardID, "error": err.Error()})
		return
	}
	if w.SessionToken != token || w.Step != domain.StepPayment || w.Totals.Total <= 0 {
		c.logger(ctx, "checkout.session.skipped", map[string]any{
			"wizardId": wizardID,
			"token":    token,
			"current":  w.SessionToken,
			"step":     w.Step,
		})
		return
	}

	session, createErr := c.init.CreateSession(ctx, SessionRequestFor(w))

	_, err = c.store.Update(ctx, wizardID, func(cur *Wizard) error {
		if cur.SessionToken != token || cur.Step != domain.StepPayment {
			return errSessionSuperseded
		}
		if createErr != nil {
			cur.Session = nil
			cur.SessionError = &domain.SessionError{
				Kind:    sessionErrorKind(createErr),
				Message: sessionErrorMessage(createErr),
				Token:   token,
			}
		} else {
			s := session
			cur.Session = &s
			cur.SessionError = nil
		}
		cur.UpdatedAt = c.now()
		return nil
	})
	switch {
	case errors.Is(err, errSessionSuperseded):
		c.logger(ctx, "checkout.session.discarded", map[string]any{"wizardId": wizardID, "token": token})
	case err != nil:
		c.logger(ctx, "checkout.session.store_failed", map[string]any{"wizardId": wizardID, "error": err.Error()})
	case createErr != nil:
		c.logger(ctx, "checkout.session.error_recorded", map[string]any{
			"wizardId": wizardID,
			"token":    token,
			"error":    createErr.Error(),
		})
	}
}

func sessionErrorMessage(err error) string {
	switch sessionErrorKind(err) {
	case domain.SessionErrorConfig:
		return "Payments are temporarily unavailable. Please try again later."
	case domain.SessionErrorValidation:
		return "The payment provider rejected this checkout. Please review your details."
	default:
		return "We could not reach the payment provider. Please retry."
	}
}
