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

const cartCollection = "carts"

// CartRepository persists server-held carts within Firestore.
type CartRepository struct {
	carts *pfirestore.Collection[cartDocument]
	clock func() time.Time
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewCollection[cartDocument](provider, cartCollection),
		clock: time.Now,
	}, nil
}

// Save upserts the cart document. With expectedUpdate set, the write uses Firestore's
// update-time precondition and fails with a conflict when the cart changed concurrently.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error) {
	if r == nil || r.carts == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	cartID := strings.TrimSpace(cart.ID)
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	now := r.clock().UTC()
	doc := cartDocument{
		UserID:     strings.TrimSpace(cart.UserID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:      make([]cartItemDocument, 0, len(cart.Items)),
		ItemsCount: len(cart.Items),
		CreatedAt:  cart.CreatedAt.UTC(),
		UpdatedAt:  now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, cartItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			ImageRef:  item.ImageRef,
			Category:  item.Category,
		})
	}

	if expectedUpdate == nil || expectedUpdate.IsZero() {
		if err := r.carts.Set(ctx, cartID, doc); err != nil {
			return domain.Cart{}, err
		}
		return doc.toDomain(cartID), nil
	}

	ref, err := r.carts.Doc(ctx, cartID)
	if err != nil {
		return domain.Cart{}, err
	}
	updates := []firestore.Update{
		{Path: "currency", Value: doc.Currency},
		{Path: "items", Value: doc.Items},
		{Path: "itemsCount", Value: doc.ItemsCount},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if doc.UserID == "" {
		updates = append(updates, firestore.Update{Path: "userId", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "userId", Value: doc.UserID})
	}
	if _, err := ref.Update(ctx, updates, firestore.LastUpdateTime(expectedUpdate.UTC())); err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.update", err)
	}
	return doc.toDomain(cartID), nil
}

// Get loads the cart by ID. UpdatedAt carries the document update time for optimistic writes.
func (r *CartRepository) Get(ctx context.Context, cartID string) (domain.Cart, error) {
	if r == nil || r.carts == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	doc, err := r.carts.Get(ctx, strings.TrimSpace(cartID))
	if err != nil {
		return domain.Cart{}, err
	}
	cart := doc.Data.toDomain(doc.ID)
	if !doc.UpdateTime.IsZero() {
		cart.UpdatedAt = doc.UpdateTime
	}
	return cart, nil
}

// Delete removes the cart document.
func (r *CartRepository) Delete(ctx context.Context, cartID string) error {
	if r == nil || r.carts == nil {
		return errors.New("cart repository not initialised")
	}
	return r.carts.Delete(ctx, strings.TrimSpace(cartID))
}

type cartDocument struct {
	UserID     string             `firestore:"userId,omitempty"`
	Currency   string             `firestore:"currency"`
	Items      []cartItemDocument `firestore:"items"`
	ItemsCount int                `firestore:"itemsCount"`
	CreatedAt  time.Time          `firestore:"createdAt"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Price     int64  `firestore:"price"`
	ImageRef  string `firestore:"imageRef,omitempty"`
	Category  string `firestore:"category,omitempty"`
}

func (d cartDocument) toDomain(id string) domain.Cart {
	cart := domain.Cart{
		ID:        id,
		UserID:    d.UserID,
		Currency:  d.Currency,
		Items:     make([]domain.CartLineItem, 0, len(d.Items)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, item := range d.Items {
		cart.Items = append(cart.Items, domain.CartLineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			ImageRef:  item.ImageRef,
			Category:  item.Category,
		})
	}
	return cart
}

var _ repositories.CartRepository = (*CartRepository)(nil)
