package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/freshstl/storefront/internal/services"
)

func TestServiceHTTPErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		code      string
		retryable bool
	}{
		{services.ErrEmptyCart, http.StatusBadRequest, "empty_cart", false},
		{fmt.Errorf("%w: no session", services.ErrFreeOrder), http.StatusConflict, "free_order", false},
		{fmt.Errorf("%w: status processing", services.ErrPaymentIncomplete), http.StatusPaymentRequired, "payment_incomplete", false},
		{fmt.Errorf("%w: no key", services.ErrGatewayConfig), http.StatusServiceUnavailable, "gateway_config", false},
		{fmt.Errorf("%w: card declined", services.ErrGatewayValidation), http.StatusUnprocessableEntity, "gateway_rejected", false},
		{fmt.Errorf("%w: dial tcp", services.ErrGatewayNetwork), http.StatusBadGateway, "gateway_unreachable", true},
		{fmt.Errorf("%w: wizard", services.ErrConflict), http.StatusConflict, "conflict", true},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout", true},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error", false},
	}
	for _, tc := range cases {
		got := serviceHTTPError(context.Background(), tc.err)
		if got.Status != tc.status || got.Code != tc.code || got.Retryable != tc.retryable {
			t.Errorf("%v: got %d %s retryable=%v, want %d %s retryable=%v", tc.err, got.Status, got.Code, got.Retryable, tc.status, tc.code, tc.retryable)
		}
	}
}
