package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/freshstl/storefront/internal/domain"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository reads orders and applies status transitions. Orders are created by the fulfillment committer.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	clock    func() time.Time
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, orderCollection),
		clock:    time.Now,
	}, nil
}

// FindByID loads an order by its document ID, which is the gateway transaction ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListByUser pages through the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.Page[domain.Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Page[domain.Order]{}, errors.New("order repository: user id is required")
	}
	var size int
	var pageErr error
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q, size, pageErr = pageQuery(q.Where("userId", "==", userID), pager, "createdAt")
		return q
	})
	if pageErr != nil {
		return domain.Page[domain.Order]{}, pageErr
	}
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	items, token := nextToken(orders, size, func(o domain.Order) (time.Time, string) { return o.CreatedAt, o.ID })
	return domain.Page[domain.Order]{Items: items, NextPageToken: token}, nil
}

// UpdateStatus reads the order inside a transaction, lets mutate change it and writes the status fields back.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error) {
	ref, err := r.orders.Doc(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", ref.ID, err)
		}
		order := doc.toDomain(ref.ID)
		if err := mutate(&order); err != nil {
			return pfirestore.Abort(err)
		}
		order.UpdatedAt = r.clock().UTC()
		updated = order
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(order.Status)},
			{Path: "statusReason", Value: order.StatusReason},
			{Path: "updatedAt", Value: order.UpdatedAt},
		})
	}, pfirestore.WithTxName("orders.update_status"))
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

type orderDocument struct {
	UserID        string              `firestore:"userId"`
	TransactionID string              `firestore:"transactionId"`
	Gateway       string              `firestore:"gateway"`
	Mode          string              `firestore:"mode"`
	Currency      string              `firestore:"currency"`
	Subtotal      int64               `firestore:"subtotal"`
	Discount      int64               `firestore:"discount"`
	Total         int64               `firestore:"total"`
	CouponCode    string              `firestore:"couponCode,omitempty"`
	Items         []orderItemDocument `firestore:"items"`
	Billing       billingDocument     `firestore:"billing"`
	TestMode      bool                `firestore:"testMode"`
	Status        string              `firestore:"status"`
	StatusReason  string              `firestore:"statusReason,omitempty"`
	CardBrand     string              `firestore:"cardBrand,omitempty"`
	CardLast4     string              `firestore:"cardLast4,omitempty"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Price     int64  `firestore:"price"`
}

type billingDocument struct {
	FullName    string `firestore:"fullName"`
	Email       string `firestore:"email"`
	Phone       string `firestore:"phone,omitempty"`
	Address     string `firestore:"address,omitempty"`
	City        string `firestore:"city,omitempty"`
	PostalCode  string `firestore:"postalCode,omitempty"`
	CountryCode string `firestore:"countryCode"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		UserID:        order.UserID,
		TransactionID: order.TransactionID,
		Gateway:       string(order.Gateway),
		Mode:          string(order.Mode),
		Currency:      order.Currency,
		Subtotal:      order.Subtotal,
		Discount:      order.Discount,
		Total:         order.Total,
		CouponCode:    order.CouponCode,
		Items:         make([]orderItemDocument, 0, len(order.Items)),
		Billing: billingDocument{
			FullName:    order.Billing.FullName,
			Email:       order.Billing.Email,
			Phone:       order.Billing.Phone,
			Address:     order.Billing.Address,
			City:        order.Billing.City,
			PostalCode:  order.Billing.PostalCode,
			CountryCode: order.Billing.CountryCode,
		},
		TestMode:     order.TestMode,
		Status:       string(order.Status),
		StatusReason: order.StatusReason,
		CardBrand:    order.CardBrand,
		CardLast4:    order.CardLast4,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{ProductID: item.ProductID, Name: item.Name, Price: item.Price})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		UserID:        d.UserID,
		TransactionID: d.TransactionID,
		Gateway:       domain.Gateway(d.Gateway),
		Mode:          domain.PaymentMode(d.Mode),
		Currency:      d.Currency,
		Subtotal:      d.Subtotal,
		Discount:      d.Discount,
		Total:         d.Total,
		CouponCode:    d.CouponCode,
		Items:         make([]domain.OrderLineItem, 0, len(d.Items)),
		Billing: domain.BillingProfile{
			FullName:    d.Billing.FullName,
			Email:       d.Billing.Email,
			Phone:       d.Billing.Phone,
			Address:     d.Billing.Address,
			City:        d.Billing.City,
			PostalCode:  d.Billing.PostalCode,
			CountryCode: d.Billing.CountryCode,
		},
		TestMode:     d.TestMode,
		Status:       domain.OrderStatus(d.Status),
		StatusReason: d.StatusReason,
		CardBrand:    d.CardBrand,
		CardLast4:    d.CardLast4,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem{ProductID: item.ProductID, Name: item.Name, Price: item.Price})
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
