package domain

import "testing"

func TestWalletUnitConversion(t *testing.T) {
	if got := ToWalletUnits(3600); got != 36000 {
		t.Fatalf("expected 36000 wallet units, got %d", got)
	}
	back, exact := FromWalletUnits(36000)
	if !exact || back != 3600 {
		t.Fatalf("expected exact 3600, got %d exact=%v", back, exact)
	}
	if _, exact := FromWalletUnits(36005); exact {
		t.Fatalf("expected inexact conversion for 36005")
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[string]struct {
		amount   int64
		currency string
		want     string
	}{
		"usd":         {amount: 3600, currency: "usd", want: "36.00 USD"},
		"sub unit":    {amount: 5, currency: "TND", want: "0.05 TND"},
		"no currency": {amount: 999, want: "9.99"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := FormatAmount(tc.amount, tc.currency); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCheckoutSettingsIsTester(t *testing.T) {
	settings := CheckoutSettings{Testers: []string{"uid-1", "QA@freshstl.com"}}
	if !settings.IsTester("uid-1", "") {
		t.Fatalf("expected uid match")
	}
	if !settings.IsTester("other", "qa@freshstl.com") {
		t.Fatalf("expected case-insensitive email match")
	}
	if settings.IsTester("uid-2", "someone@example.com") {
		t.Fatalf("expected non-member to be rejected")
	}
}
