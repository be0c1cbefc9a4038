package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/repositories"
)

const maxCartItems = 100

// CartServiceDeps wires the repositories used by cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Products        repositories.ProductRepository
	Clock           func() time.Time
	DefaultCurrency string
	Logger          Logger
	IDGenerator     func() string
}

type cartService struct {
	repo     repositories.CartRepository
	products repositories.ProductRepository
	newID    func() string
	now      func() time.Time
	currency string
	logger   Logger
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errors.New("cart service: repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &cartService{
		repo:     deps.Repository,
		products: deps.Products,
		newID:    idGen,
		now:      func() time.Time { return clock().UTC() },
		currency: currency,
		logger:   logger,
	}, nil
}

// CreateCart opens an empty cart. Guest carts carry no user and are addressed by id only.
func (s *cartService) CreateCart(ctx context.Context, cmd CreateCartCommand) (Cart, error) {
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}
	if len(currency) != 3 {
		return Cart{}, FieldErrors{"currency": "must be a 3 letter ISO code"}
	}
	now := s.now()
	cart := domain.Cart{
		ID:        s.newID(),
		UserID:    strings.TrimSpace(cmd.Actor.UserID),
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	saved, err := s.repo.Save(ctx, cart, nil)
	if err != nil {
		return Cart{}, translateRepoError(err, "create cart")
	}
	s.logger(ctx, "cart.created", map[string]any{"cartId": saved.ID, "userId": saved.UserID})
	return saved, nil
}

func (s *cartService) GetCart(ctx context.Context, actor Actor, cartID string) (Cart, error) {
	return s.load(ctx, actor, cartID)
}

// AddItem snapshots the product's name and price into a new line. A product already in the cart is a conflict.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, FieldErrors{"productId": "is required"}
	}
	cart, err := s.load(ctx, cmd.Actor, cmd.CartID)
	if err != nil {
		return Cart{}, err
	}
	if indexOfProduct(cart.Items, productID) >= 0 {
		return Cart{}, fmt.Errorf("%w: product %s is already in the cart", ErrConflict, productID)
	}
	if len(cart.Items) >= maxCartItems {
		return Cart{}, validationError("cart cannot hold more than %d items", maxCartItems)
	}

	product, err := s.products.Get(ctx, productID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Cart{}, FieldErrors{"productId": "is not a known product"}
		}
		return Cart{}, translateRepoError(err, "product lookup")
	}
	if !product.Published {
		return Cart{}, FieldErrors{"productId": "is not available"}
	}
	if product.Price < 0 {
		return Cart{}, FieldErrors{"productId": "has an invalid price"}
	}

	cart.Items = append(cart.Items, domain.CartLineItem{
		ProductID: product.ID,
		Name:      product.Name,
		Price:     product.Price,
		ImageRef:  product.ImageRef,
		Category:  product.Category,
	})
	return s.save(ctx, cart)
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, FieldErrors{"productId": "is required"}
	}
	cart, err := s.load(ctx, cmd.Actor, cmd.CartID)
	if err != nil {
		return Cart{}, err
	}
	idx := indexOfProduct(cart.Items, productID)
	if idx < 0 {
		return Cart{}, fmt.Errorf("%w: product %s is not in the cart", ErrNotFound, productID)
	}
	cart.Items = slices.Delete(cart.Items, idx, idx+1)
	return s.save(ctx, cart)
}

func (s *cartService) ClearCart(ctx context.Context, actor Actor, cartID string) (Cart, error) {
	cart, err := s.load(ctx, actor, cartID)
	if err != nil {
		return Cart{}, err
	}
	if len(cart.Items) == 0 {
		return cart, nil
	}
	cart.Items = nil
	return s.save(ctx, cart)
}

func (s *cartService) load(ctx context.Context, actor Actor, cartID string) (Cart, error) {
	id := strings.TrimSpace(cartID)
	if id == "" {
		return Cart{}, FieldErrors{"cartId": "is required"}
	}
	cart, err := s.repo.Get(ctx, id)
	if err != nil {
		return Cart{}, translateRepoError(err, "cart")
	}
	if cart.UserID != "" && cart.UserID != actor.UserID {
		return Cart{}, fmt.Errorf("%w: cart belongs to another customer", ErrForbidden)
	}
	return cart, nil
}

// save writes the cart guarded by the UpdatedAt read with it.
func (s *cartService) save(ctx context.Context, cart Cart) (Cart, error) {
	expected := cart.UpdatedAt
	cart.UpdatedAt = s.now()
	saved, err := s.repo.Save(ctx, cart, &expected)
	if err != nil {
		return Cart{}, translateRepoError(err, "save cart")
	}
	return saved, nil
}

func indexOfProduct(items []CartLineItem, productID string) int {
	return slices.IndexFunc(items, func(item CartLineItem) bool { return item.ProductID == productID })
}
