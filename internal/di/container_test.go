package di

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/payments"
	"github.com/freshstl/storefront/internal/platform/auth"
	"github.com/freshstl/storefront/internal/platform/config"
	"github.com/freshstl/storefront/internal/services"
)

func TestSettingsDefaultsNormalisesCheckoutConfig(t *testing.T) {
	cfg := config.CheckoutConfig{
		GatewayMode:        " Auto ",
		DefaultCurrency:    "usd",
		RegionalCurrency:   "tnd",
		Testers:            []string{"uid-1"},
		SupportedCountries: []string{"US", "TN"},
	}
	settings := SettingsDefaults(cfg)

	assert.Equal(t, domain.GatewayModeAuto, settings.GatewayMode)
	assert.Equal(t, "USD", settings.DefaultCurrency)
	assert.Equal(t, "TND", settings.RegionalCurrency)
	assert.True(t, settings.IsTester("uid-1", ""))
	assert.True(t, settings.SupportsCountry("tn"))

	cfg.Testers[0] = "changed"
	assert.Equal(t, "uid-1", settings.Testers[0], "defaults must not alias the config slice")
}

func TestLoginRate(t *testing.T) {
	assert.Equal(t, rate.Limit(0), loginRate(0))
	assert.InDelta(t, 0.1, float64(loginRate(6)), 1e-9)
}

func TestNewContainerRequiresDependencies(t *testing.T) {
	_, err := NewContainer(context.Background(), config.Config{}, nil, Infrastructure{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry")
}

type stubVerifier struct {
	lookupErr error
	detachErr error
	details   payments.PaymentMethodDetails
	lookups   int
	detaches  int
}

func (s *stubVerifier) Lookup(context.Context, string) (payments.PaymentMethodDetails, error) {
	s.lookups++
	return s.details, s.lookupErr
}

func (s *stubVerifier) Detach(context.Context, string) error {
	s.detaches++
	return s.detachErr
}

func TestStripeCardsFallsThroughRejectedModes(t *testing.T) {
	live := &stubVerifier{lookupErr: payments.ErrRejected, detachErr: payments.ErrRejected}
	test := &stubVerifier{details: payments.PaymentMethodDetails{Brand: "visa", Last4: "4242"}}
	cards := &stripeCards{modes: []cardVerifier{live, test}}

	details, err := cards.Lookup(context.Background(), "pm_test")
	require.NoError(t, err)
	assert.Equal(t, "4242", details.Last4)
	require.NoError(t, cards.Detach(context.Background(), "pm_test"))
	assert.Equal(t, 1, live.lookups)
	assert.Equal(t, 1, test.detaches)
}

func TestStripeCardsStopsOnTransportErrors(t *testing.T) {
	live := &stubVerifier{lookupErr: payments.ErrTransport, detachErr: payments.ErrTransport}
	test := &stubVerifier{}
	cards := &stripeCards{modes: []cardVerifier{live, test}}

	_, err := cards.Lookup(context.Background(), "pm_1")
	assert.ErrorIs(t, err, payments.ErrTransport)
	assert.ErrorIs(t, cards.Detach(context.Background(), "pm_1"), payments.ErrTransport)
	assert.Zero(t, test.lookups)
	assert.Zero(t, test.detaches)
}

func TestStripeCardsWithoutAccounts(t *testing.T) {
	cards := &stripeCards{}
	_, err := cards.Lookup(context.Background(), "pm_1")
	assert.True(t, errors.Is(err, payments.ErrNotConfigured))
}

func TestAccountIdentityWithoutSignerFails(t *testing.T) {
	identity := accountIdentity{client: nil}
	_, err := identity.Login(context.Background(), "ada@example.com", "secret")
	require.Error(t, err)

	var _ services.IdentityProvider = identity
}

type fixedSigner struct{ err error }

func (s fixedSigner) VerifyPassword(context.Context, string, string) (auth.Session, error) {
	return auth.Session{}, s.err
}

type fixedUsers struct{ err error }

func (u fixedUsers) CreateUser(context.Context, string, string, string) (string, error) {
	return "", u.err
}

func TestAccountIdentitySeparatesRejectionsFromOutages(t *testing.T) {
	cases := []struct {
		name     string
		loginErr error
		want     error
	}{
		{name: "wrong password", loginErr: auth.ErrInvalidCredentials, want: services.ErrAuth},
		{name: "transport failure", loginErr: errors.New("verify password: dial tcp: i/o timeout"), want: services.ErrUnavailable},
		{name: "sign-in not configured", loginErr: auth.ErrSignInUnavailable, want: services.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			identity := accountIdentity{client: auth.NewAccountClient(fixedUsers{}, fixedSigner{err: tc.loginErr})}
			_, err := identity.Login(context.Background(), "ada@example.com", "hunter22")
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.loginErr)
		})
	}

	identity := accountIdentity{client: auth.NewAccountClient(fixedUsers{err: auth.ErrEmailExists}, fixedSigner{})}
	_, err := identity.Register(context.Background(), "ada@example.com", "hunter22", "Ada")
	assert.ErrorIs(t, err, services.ErrAuth)
	assert.NotErrorIs(t, err, services.ErrUnavailable)
}
