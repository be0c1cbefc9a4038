package services

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	domain "github.com/freshstl/storefront/internal/domain"
)

// SelectGateway decides which processor handles a checkout. flouci always uses the wallet, auto uses the
// wallet only for the regional currency, and every other mode uses the card processor.
func SelectGateway(mode domain.GatewayMode, detectedCurrency, regionalCurrency string) domain.Gateway {
	switch domain.GatewayMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case domain.GatewayModeFlouci:
		return domain.GatewayWallet
	case domain.GatewayModeAuto:
		regional := strings.TrimSpace(regionalCurrency)
		if regional != "" && strings.EqualFold(strings.TrimSpace(detectedCurrency), regional) {
			return domain.GatewayWallet
		}
		return domain.GatewayCard
	default:
		return domain.GatewayCard
	}
}

// DetectCurrency resolves the checkout currency from an explicit ISO code, then the visitor's country, then
// the default. Anything other than the default or regional currency collapses to the default.
func DetectCurrency(explicit, country string, settings CheckoutSettings) string {
	def := strings.ToUpper(strings.TrimSpace(settings.DefaultCurrency))
	regional := strings.ToUpper(strings.TrimSpace(settings.RegionalCurrency))

	detected := ""
	if code := strings.TrimSpace(explicit); code != "" {
		if unit, err := currency.ParseISO(code); err == nil {
			detected = unit.String()
		}
	}
	if detected == "" {
		if code := strings.TrimSpace(country); code != "" {
			if region, err := language.ParseRegion(code); err == nil {
				if unit, ok := currency.FromRegion(region); ok {
					detected = unit.String()
				}
			}
		}
	}

	switch {
	case detected != "" && detected == regional:
		return regional
	case def != "":
		return def
	default:
		return detected
	}
}

// resolveGateway applies currency detection and gateway selection to a settings snapshot. The wallet
// gateway only settles the regional currency, so selecting it pins the currency.
func resolveGateway(settings CheckoutSettings, explicit, country string) (string, domain.Gateway) {
	detected := DetectCurrency(explicit, country, settings)
	gateway := SelectGateway(settings.GatewayMode, detected, settings.RegionalCurrency)
	if gateway == domain.GatewayWallet {
		if regional := strings.ToUpper(strings.TrimSpace(settings.RegionalCurrency)); regional != "" {
			detected = regional
		}
	}
	return detected, gateway
}
