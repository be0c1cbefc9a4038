package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/freshstl/storefront/internal/domain"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/repositories"
)

// CustomerRepository stores processor references on users/{uid}.
type CustomerRepository struct {
	users *pfirestore.Collection[userDocument]
	clock func() time.Time
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{
		users: pfirestore.NewCollection[userDocument](provider, userCollection),
		clock: time.Now,
	}, nil
}

// Get loads the user's processor references. A missing user document yields an empty profile.
func (r *CustomerRepository) Get(ctx context.Context, userID string) (domain.CustomerProfile, error) {
	userID = strings.TrimSpace(userID)
	doc, err := r.users.Get(ctx, userID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.CustomerProfile{UserID: userID, StripeCustomerIDs: map[domain.PaymentMode]string{}}, nil
		}
		return domain.CustomerProfile{}, err
	}
	profile := domain.CustomerProfile{
		UserID:            doc.ID,
		Email:             strings.TrimSpace(doc.Data.Email),
		DisplayName:       strings.TrimSpace(doc.Data.DisplayName),
		StripeCustomerIDs: make(map[domain.PaymentMode]string, len(doc.Data.StripeCustomerIDs)),
		UpdatedAt:         doc.UpdateTime,
	}
	for mode, id := range doc.Data.StripeCustomerIDs {
		profile.StripeCustomerIDs[domain.PaymentMode(mode)] = id
	}
	return profile, nil
}

// SetStripeCustomer records the Stripe customer for mode, merging into the existing user document.
func (r *CustomerRepository) SetStripeCustomer(ctx context.Context, userID string, mode domain.PaymentMode, customerID string) error {
	ref, err := r.users.Doc(ctx, strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]any{
		"stripeCustomerIds": map[string]any{string(mode): strings.TrimSpace(customerID)},
		"updatedAt":         r.clock().UTC(),
	}, firestore.MergeAll)
	return pfirestore.WrapError("users.set_stripe_customer", err)
}

type userDocument struct {
	Email             string            `firestore:"email"`
	DisplayName       string            `firestore:"displayName"`
	StripeCustomerIDs map[string]string `firestore:"stripeCustomerIds,omitempty"`
	UpdatedAt         time.Time         `firestore:"updatedAt"`
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)
