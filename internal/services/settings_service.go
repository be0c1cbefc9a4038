package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/freshstl/storefront/internal/repositories"
)

const defaultSettingsRetryDelay = 5 * time.Second

// SettingsServiceDeps wires the settings repository.
type SettingsServiceDeps struct {
	Repository repositories.SettingsRepository
	Defaults   CheckoutSettings
	Logger     Logger
	RetryDelay time.Duration
}

// SettingsService keeps the latest checkout settings in memory. Run subscribes to the settings document
// and swaps the snapshot on every change; wizards copy the snapshot when they start.
type SettingsService struct {
	repo       repositories.SettingsRepository
	logger     Logger
	retryDelay time.Duration

	current atomic.Pointer[CheckoutSettings]
}

// NewSettingsService loads the initial snapshot. A failed load starts from the defaults.
func NewSettingsService(ctx context.Context, deps SettingsServiceDeps) (*SettingsService, error) {
	if deps.Repository == nil {
		return nil, errors.New("settings service: repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	delay := deps.RetryDelay
	if delay <= 0 {
		delay = defaultSettingsRetryDelay
	}
	s := &SettingsService{
		repo:       deps.Repository,
		logger:     logger,
		retryDelay: delay,
	}

	initial, err := deps.Repository.Load(ctx)
	if err != nil {
		logger(ctx, "settings.load_failed", map[string]any{"error": err.Error()})
		initial = deps.Defaults
	}
	s.store(initial)
	return s, nil
}

// Current returns a copy of the latest snapshot.
func (s *SettingsService) Current() CheckoutSettings {
	snap := s.current.Load()
	if snap == nil {
		return CheckoutSettings{}
	}
	return cloneSettings(*snap)
}

// Run watches the settings document until ctx is cancelled, re-opening the stream after failures.
func (s *SettingsService) Run(ctx context.Context) error {
	for {
		err := s.repo.Watch(ctx, s.store)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger(ctx, "settings.watch_failed", map[string]any{"error": err.Error()})
		}
		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *SettingsService) store(settings CheckoutSettings) {
	snap := cloneSettings(settings)
	s.current.Store(&snap)
}

func cloneSettings(in CheckoutSettings) CheckoutSettings {
	out := in
	out.Testers = append([]string(nil), in.Testers...)
	out.SupportedCountries = append([]string(nil), in.SupportedCountries...)
	return out
}
