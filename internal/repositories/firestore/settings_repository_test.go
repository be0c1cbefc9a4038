package firestore

import (
	"testing"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
)

func TestSettingsDocumentMergeOverridesDefaults(t *testing.T) {
	defaults := domain.CheckoutSettings{
		GatewayMode:        domain.GatewayModeAuto,
		DefaultCurrency:    "USD",
		RegionalCurrency:   "TND",
		Testers:            []string{"ops@freshstl.example"},
		SupportedCountries: []string{"TN", "US"},
	}
	updated := time.Date(2026, time.June, 2, 8, 0, 0, 0, time.UTC)
	doc := settingsDocument{
		ActiveGateway:      " Flouci ",
		Testers:            []string{"uid-1"},
		SupportedCountries: []string{"tn", " fr"},
	}

	got := doc.merge(defaults, updated)
	if got.GatewayMode != domain.GatewayModeFlouci {
		t.Fatalf("expected flouci mode, got %s", got.GatewayMode)
	}
	if got.DefaultCurrency != "USD" || got.RegionalCurrency != "TND" {
		t.Fatalf("expected currency defaults kept, got %s/%s", got.DefaultCurrency, got.RegionalCurrency)
	}
	if len(got.Testers) != 1 || got.Testers[0] != "uid-1" {
		t.Fatalf("unexpected testers %v", got.Testers)
	}
	if len(got.SupportedCountries) != 2 || got.SupportedCountries[1] != "FR" {
		t.Fatalf("unexpected countries %v", got.SupportedCountries)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Fatalf("expected update time propagated")
	}
	if defaults.SupportedCountries[0] != "TN" || defaults.SupportedCountries[1] != "US" {
		t.Fatalf("defaults mutated: %v", defaults.SupportedCountries)
	}
}

func TestSettingsDocumentMergeEmptyKeepsDefaults(t *testing.T) {
	defaults := domain.CheckoutSettings{GatewayMode: domain.GatewayModeStripe, DefaultCurrency: "USD"}
	got := settingsDocument{}.merge(defaults, time.Time{})
	if got.GatewayMode != domain.GatewayModeStripe || got.DefaultCurrency != "USD" {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestPurchaseIDJoinsTransactionAndProduct(t *testing.T) {
	if got := PurchaseID("pi_123", "benchy"); got != "pi_123_benchy" {
		t.Fatalf("unexpected purchase id %s", got)
	}
}
