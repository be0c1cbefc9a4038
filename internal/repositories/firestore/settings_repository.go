package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/freshstl/storefront/internal/domain"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/repositories"
)

const (
	settingsCollection  = "settings"
	checkoutSettingsDoc = "checkout"
)

// SettingsRepository reads settings/checkout. Fields absent from the document fall back to the defaults
// supplied at construction, which come from configuration.
type SettingsRepository struct {
	settings *pfirestore.Collection[settingsDocument]
	defaults domain.CheckoutSettings
}

// NewSettingsRepository constructs a Firestore-backed settings reader.
func NewSettingsRepository(provider *pfirestore.Provider, defaults domain.CheckoutSettings) (*SettingsRepository, error) {
	if provider == nil {
		return nil, errors.New("settings repository requires firestore provider")
	}
	return &SettingsRepository{
		settings: pfirestore.NewCollection[settingsDocument](provider, settingsCollection),
		defaults: defaults,
	}, nil
}

// Load returns the current settings snapshot.
func (r *SettingsRepository) Load(ctx context.Context) (domain.CheckoutSettings, error) {
	doc, err := r.settings.Get(ctx, checkoutSettingsDoc)
	if err != nil {
		if repositories.IsNotFound(err) {
			return r.defaults, nil
		}
		return domain.CheckoutSettings{}, err
	}
	return doc.Data.merge(r.defaults, doc.UpdateTime), nil
}

// Watch streams settings snapshots until ctx is cancelled. A deleted document yields the defaults.
func (r *SettingsRepository) Watch(ctx context.Context, fn func(domain.CheckoutSettings)) error {
	ref, err := r.settings.Doc(ctx, checkoutSettingsDoc)
	if err != nil {
		return err
	}
	iter := ref.Snapshots(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return pfirestore.WrapError("settings.watch", err)
		}
		if !snap.Exists() {
			fn(r.defaults)
			continue
		}
		decoded, err := pfirestore.Decode[settingsDocument](snap)
		if err != nil {
			return err
		}
		fn(decoded.Data.merge(r.defaults, decoded.UpdateTime))
	}
}

type settingsDocument struct {
	ActiveGateway      string   `firestore:"activeGateway"`
	DefaultCurrency    string   `firestore:"defaultCurrency,omitempty"`
	RegionalCurrency   string   `firestore:"regionalCurrency,omitempty"`
	Testers            []string `firestore:"testers,omitempty"`
	SupportedCountries []string `firestore:"supportedCountries,omitempty"`
}

func (d settingsDocument) merge(defaults domain.CheckoutSettings, updated time.Time) domain.CheckoutSettings {
	out := defaults
	out.Testers = append([]string(nil), defaults.Testers...)
	out.SupportedCountries = append([]string(nil), defaults.SupportedCountries...)
	if mode := strings.ToLower(strings.TrimSpace(d.ActiveGateway)); mode != "" {
		out.GatewayMode = domain.GatewayMode(mode)
	}
	if c := strings.ToUpper(strings.TrimSpace(d.DefaultCurrency)); c != "" {
		out.DefaultCurrency = c
	}
	if c := strings.ToUpper(strings.TrimSpace(d.RegionalCurrency)); c != "" {
		out.RegionalCurrency = c
	}
	if len(d.Testers) > 0 {
		out.Testers = append([]string(nil), d.Testers...)
	}
	if len(d.SupportedCountries) > 0 {
		out.SupportedCountries = out.SupportedCountries[:0]
		for _, c := range d.SupportedCountries {
			out.SupportedCountries = append(out.SupportedCountries, strings.ToUpper(strings.TrimSpace(c)))
		}
	}
	out.UpdatedAt = updated
	return out
}

var _ repositories.SettingsRepository = (*SettingsRepository)(nil)
