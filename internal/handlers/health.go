package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/freshstl/storefront/internal/platform/httpx"
	"github.com/freshstl/storefront/internal/platform/requestctx"
	"github.com/freshstl/storefront/internal/repositories"
)

// BuildInfo identifies the running binary on /healthz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build  BuildInfo
	health repositories.HealthRepository
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthRepository sets the dependency probes run by /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.health = repo
	}
}

// WithHealthClock overrides the clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers. Without a repository /readyz always reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports liveness with build metadata.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	payload := map[string]any{
		"status":    string(repositories.HealthStatusOK),
		"uptime":    now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commit"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz probes dependencies. Errors fail the probe; degraded dependencies are reported but keep it ready.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Cache-Control", "no-store")
	if h.health == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": string(repositories.HealthStatusOK)})
		return
	}
	report, err := h.health.Collect(ctx)
	if err != nil {
		requestctx.Logger(ctx).Error("readiness probe failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("not_ready", "readiness probe failed", http.StatusServiceUnavailable))
		return
	}
	status := http.StatusOK
	if report.Status == repositories.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, report)
}
