// Package wizards holds checkout wizard records outside the document store. Wizards are short-lived and
// updated on every click, so they live in Redis with a TTL, or in memory for local development.
package wizards

import (
	"fmt"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
)

const (
	// DefaultTTL bounds how long an abandoned wizard is kept.
	DefaultTTL = 24 * time.Hour
	// DefaultFailedTTL keeps wizards with a fulfillment failure long enough for manual reconciliation.
	DefaultFailedTTL = 30 * 24 * time.Hour
)

// Options configures retention for both store implementations.
type Options struct {
	TTL       time.Duration
	FailedTTL time.Duration
	Clock     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = DefaultFailedTTL
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

func (o Options) ttlFor(w *domain.Wizard) time.Duration {
	if w.Failure != nil {
		return o.FailedTTL
	}
	return o.TTL
}

type storeError struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *storeError) Error() string { return fmt.Sprintf("wizards: %s: %s", e.op, e.msg) }

func (e *storeError) IsNotFound() bool    { return e.notFound }
func (e *storeError) IsConflict() bool    { return e.conflict }
func (e *storeError) IsUnavailable() bool { return false }

func errNotFound(op, id string) error {
	return &storeError{op: op, msg: "wizard " + id + " not found", notFound: true}
}

func errConflict(op, msg string) error {
	return &storeError{op: op, msg: msg, conflict: true}
}
