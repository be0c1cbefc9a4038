package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/repositories"
)

var (
	// ErrValidation indicates the caller supplied invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrEmptyCart is returned when a checkout or pricing run has no items.
	ErrEmptyCart = fmt.Errorf("%w: cart is empty", ErrValidation)
	// ErrAuth indicates the identity provider rejected a login or registration.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited indicates too many login attempts for an e-mail address.
	ErrRateLimited = errors.New("too many attempts")
	// ErrForbidden indicates the actor may not operate on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent modification or a duplicate.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition indicates the requested state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrUnavailable indicates a backing dependency is unreachable or missing.
	ErrUnavailable = errors.New("service unavailable")

	// ErrFreeOrder is returned by session initialisation when nothing needs to be charged.
	ErrFreeOrder = errors.New("order total is zero, no payment session required")
	// ErrGatewayConfig indicates no gateway is configured for the gateway and mode.
	ErrGatewayConfig = errors.New("payment gateway not configured")
	// ErrGatewayNetwork indicates the gateway could not be reached.
	ErrGatewayNetwork = errors.New("payment gateway unreachable")
	// ErrGatewayValidation indicates the gateway rejected the request.
	ErrGatewayValidation = errors.New("payment gateway rejected the request")
	// ErrPaymentIncomplete indicates the gateway has not reported a successful payment.
	ErrPaymentIncomplete = errors.New("payment not completed")
	// ErrFulfillment indicates the payment was captured but the order could not be persisted.
	ErrFulfillment = errors.New("fulfillment failed")
)

// FieldErrors collects per-field validation messages. It unwraps to ErrValidation.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	if len(f) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+f[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (f FieldErrors) Unwrap() error { return ErrValidation }

// Add records msg for field unless the field already has a message.
func (f FieldErrors) Add(field, msg string) {
	if _, ok := f[field]; !ok {
		f[field] = msg
	}
}

func (f FieldErrors) errOrNil() error {
	if len(f) == 0 {
		return nil
	}
	return f
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// translateRepoError maps repository classifications onto the service taxonomy.
func translateRepoError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %s: %v", ErrConflict, what, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// translateGatewayError maps payments errors onto the gateway error kinds.
func translateGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrNotConfigured):
		return fmt.Errorf("%w: %v", ErrGatewayConfig, err)
	case errors.Is(err, payments.ErrRejected):
		return fmt.Errorf("%w: %v", ErrGatewayValidation, err)
	default:
		return fmt.Errorf("%w: %v", ErrGatewayNetwork, err)
	}
}
