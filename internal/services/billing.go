package services

import (
	"context"
	"errors"
	"html"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

type supportedCountriesKey struct{}

// BillingValidator sanitises and validates billing profiles against a settings snapshot.
type BillingValidator struct {
	validate *validator.Validate
	policy   *bluemonday.Policy
}

// NewBillingValidator registers the supported_country rule.
func NewBillingValidator() *BillingValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidationCtx("supported_country", func(ctx context.Context, fl validator.FieldLevel) bool {
		settings, ok := ctx.Value(supportedCountriesKey{}).(CheckoutSettings)
		if !ok || len(settings.SupportedCountries) == 0 {
			return true
		}
		return settings.SupportsCountry(fl.Field().String())
	})
	return &BillingValidator{validate: v, policy: bluemonday.StrictPolicy()}
}

// Sanitize strips markup and surrounding whitespace from every text field.
func (b *BillingValidator) Sanitize(profile BillingProfile) BillingProfile {
	clean := func(s string) string {
		return strings.TrimSpace(html.UnescapeString(b.policy.Sanitize(s)))
	}
	return BillingProfile{
		FullName:    clean(profile.FullName),
		Email:       strings.ToLower(clean(profile.Email)),
		Phone:       clean(profile.Phone),
		Address:     clean(profile.Address),
		City:        clean(profile.City),
		PostalCode:  clean(profile.PostalCode),
		CountryCode: strings.ToUpper(clean(profile.CountryCode)),
	}
}

// Validate reports field errors keyed by JSON field name.
func (b *BillingValidator) Validate(ctx context.Context, profile BillingProfile, settings CheckoutSettings) error {
	ctx = context.WithValue(ctx, supportedCountriesKey{}, settings)
	err := b.validate.StructCtx(ctx, profile)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError("billing: %v", err)
	}
	fields := FieldErrors{}
	for _, fe := range verrs {
		fields.Add(fe.Field(), billingMessage(fe))
	}
	return fields
}

func billingMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid e-mail address"
	case "len":
		return "must be a two-letter country code"
	case "max":
		return "is too long"
	case "supported_country":
		return "is not a supported country"
	default:
		return "is invalid"
	}
}
