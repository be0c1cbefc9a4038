package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/freshstl/storefront/internal/repositories"
)

func TestHealthHandlersHealthz(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.2.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	handlers.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeResponse(t, rr)
	if body["status"] != "ok" || body["uptime"] != "30s" || body["version"] != "1.2.0" || body["commit"] != "abc123" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHealthHandlersReadyzDegradedStaysReady(t *testing.T) {
	handlers := NewHealthHandlers(WithHealthRepository(stubHealthRepository{report: repositories.HealthReport{
		Status: repositories.HealthStatusDegraded,
		Checks: map[string]repositories.HealthCheck{"redis": {Status: repositories.HealthStatusDegraded, Detail: "slow"}},
	}}))

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := decodeResponse(t, rr); body["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", body["status"])
	}
}

func TestHealthHandlersReadyzFailure(t *testing.T) {
	cases := map[string]stubHealthRepository{
		"dependency error": {report: repositories.HealthReport{Status: repositories.HealthStatusError}},
		"collect error":    {err: errors.New("boom")},
	}
	for name, repo := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewHealthHandlers(WithHealthRepository(repo)).Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected status 503, got %d", rr.Code)
			}
		})
	}
}
