package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/platform/httpx"
	"github.com/freshstl/storefront/internal/platform/requestctx"
	"github.com/freshstl/storefront/internal/services"
)

var errBodyTooLarge = errors.New("request body too large")

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	reader := io.LimitReader(r.Body, limit+1)
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// decodeBody reads a bounded JSON body into dst and writes the error response itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := httpx.DecodeJSON(r, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
	}
	return false
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

// actorFromRequest returns the signed-in customer or a guest actor.
func actorFromRequest(r *http.Request) services.Actor {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return services.Actor{}
	}
	return services.Actor{UserID: strings.TrimSpace(identity.UID), Email: identity.Email}
}

func requireUser(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	actor := actorFromRequest(r)
	if actor.UserID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return actor, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// writeServiceError maps the service error taxonomy onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, serviceHTTPError(ctx, err))
}

func serviceHTTPError(ctx context.Context, err error) httpx.Error {
	var fields services.FieldErrors
	switch {
	case errors.As(err, &fields):
		return httpx.NewError("validation_failed", "request validation failed", http.StatusBadRequest).WithFields(fields)
	case errors.Is(err, services.ErrEmptyCart):
		return httpx.NewError("empty_cart", "cart has no items", http.StatusBadRequest)
	case errors.Is(err, services.ErrValidation):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrRateLimited):
		return httpx.NewError("rate_limited", "too many attempts, try again later", http.StatusTooManyRequests).AsRetryable()
	case errors.Is(err, services.ErrAuth):
		return httpx.NewError("auth_failed", "could not sign you in with these credentials", http.StatusUnauthorized)
	case errors.Is(err, services.ErrForbidden):
		return httpx.NewError("forbidden", "not allowed", http.StatusForbidden)
	case errors.Is(err, services.ErrNotFound):
		return httpx.NewError("not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidTransition):
		return httpx.NewError("invalid_transition", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrConflict):
		return httpx.NewError("conflict", "resource was modified concurrently, refresh and retry", http.StatusConflict).AsRetryable()
	case errors.Is(err, services.ErrFreeOrder):
		return httpx.NewError("free_order", "order total is zero, place it without payment", http.StatusConflict)
	case errors.Is(err, services.ErrPaymentIncomplete):
		return httpx.NewError("payment_incomplete", err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, services.ErrGatewayConfig):
		return httpx.NewError("gateway_config", "payment gateway is not configured", http.StatusServiceUnavailable)
	case errors.Is(err, services.ErrGatewayValidation):
		return httpx.NewError("gateway_rejected", "payment gateway rejected the request", http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrGatewayNetwork):
		return httpx.NewError("gateway_unreachable", "payment gateway could not be reached", http.StatusBadGateway).AsRetryable()
	case errors.Is(err, services.ErrFulfillment):
		return httpx.NewError("fulfillment_failed", "your payment was received but the order could not be saved, contact support", http.StatusInternalServerError)
	case errors.Is(err, services.ErrUnavailable):
		return httpx.NewError("unavailable", "service temporarily unavailable", http.StatusServiceUnavailable).AsRetryable()
	case errors.Is(err, context.DeadlineExceeded):
		return httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout).AsRetryable()
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		return httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError)
	}
}
