package services

import (
	"context"
	"errors"
	"testing"
)

func TestBillingValidatorSanitize(t *testing.T) {
	v := NewBillingValidator()
	got := v.Sanitize(BillingProfile{
		FullName:    "  <b>Ada</b> Lovelace ",
		Email:       " Ada@Example.COM ",
		Address:     "1 Rue <script>alert(1)</script>Main",
		CountryCode: "tn",
	})
	if got.FullName != "Ada Lovelace" {
		t.Fatalf("unexpected name %q", got.FullName)
	}
	if got.Email != "ada@example.com" {
		t.Fatalf("unexpected email %q", got.Email)
	}
	if got.Address != "1 Rue Main" {
		t.Fatalf("unexpected address %q", got.Address)
	}
	if got.CountryCode != "TN" {
		t.Fatalf("unexpected country %q", got.CountryCode)
	}
}

func TestBillingValidatorValidate(t *testing.T) {
	v := NewBillingValidator()
	settings := CheckoutSettings{SupportedCountries: []string{"TN", "FR"}}

	valid := BillingProfile{FullName: "Ada", Email: "ada@example.com", CountryCode: "TN"}
	if err := v.Validate(context.Background(), valid, settings); err != nil {
		t.Fatalf("expected valid profile, got %v", err)
	}

	err := v.Validate(context.Background(), BillingProfile{Email: "nope", CountryCode: "US"}, settings)
	var fields FieldErrors
	if !errors.As(err, &fields) {
		t.Fatalf("expected FieldErrors, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	for _, field := range []string{"fullName", "email", "countryCode"} {
		if fields[field] == "" {
			t.Fatalf("expected error for %s, got %v", field, fields)
		}
	}
	if fields["countryCode"] != "is not a supported country" {
		t.Fatalf("unexpected country message %q", fields["countryCode"])
	}
}

func TestBillingValidatorAllowsAnyCountryWhenUnrestricted(t *testing.T) {
	v := NewBillingValidator()
	profile := BillingProfile{FullName: "Ada", Email: "ada@example.com", CountryCode: "US"}
	if err := v.Validate(context.Background(), profile, CheckoutSettings{}); err != nil {
		t.Fatalf("expected valid profile, got %v", err)
	}
}
