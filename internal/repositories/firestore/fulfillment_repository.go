package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/freshstl/storefront/internal/domain"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/repositories"
)

// FulfillmentRepository writes an order, its purchases and the cart deletion in one transaction.
type FulfillmentRepository struct {
	provider *pfirestore.Provider
}

// NewFulfillmentRepository constructs the transactional fulfillment writer.
func NewFulfillmentRepository(provider *pfirestore.Provider) (*FulfillmentRepository, error) {
	if provider == nil {
		return nil, errors.New("fulfillment repository requires firestore provider")
	}
	return &FulfillmentRepository{provider: provider}, nil
}

// Commit creates orders/{order.ID} and users/{uid}/purchases/{txn}_{product} and deletes carts/{cartID}.
// When the order already exists nothing is written and the stored order is returned with ErrAlreadyCommitted.
func (r *FulfillmentRepository) Commit(ctx context.Context, order domain.Order, purchases []domain.Purchase, cartID string) (domain.Order, error) {
	orderID := strings.TrimSpace(order.ID)
	userID := strings.TrimSpace(order.UserID)
	if orderID == "" || userID == "" {
		return domain.Order{}, errors.New("fulfillment repository: order id and user id are required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	orderRef := client.Collection(orderCollection).Doc(orderID)
	purchaseColl := client.Collection(userCollection).Doc(userID).Collection(purchaseCollection)

	var (
		existing  domain.Order
		duplicate bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		duplicate = false
		snap, err := tx.Get(orderRef)
		switch {
		case err == nil && snap.Exists():
			var doc orderDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode order %s: %w", orderID, err)
			}
			existing = doc.toDomain(orderID)
			duplicate = true
			return nil
		case err != nil && status.Code(err) != codes.NotFound:
			return err
		}

		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		for _, purchase := range purchases {
			id := strings.TrimSpace(purchase.ID)
			if id == "" {
				id = PurchaseID(order.TransactionID, purchase.ProductID)
			}
			if err := tx.Set(purchaseColl.Doc(id), newPurchaseDocument(purchase)); err != nil {
				return err
			}
		}
		if cartID = strings.TrimSpace(cartID); cartID != "" {
			if err := tx.Delete(client.Collection(cartCollection).Doc(cartID)); err != nil {
				return err
			}
		}
		return nil
	}, pfirestore.WithTxName("fulfillment.commit"))
	if err != nil {
		return domain.Order{}, err
	}
	if duplicate {
		return existing, repositories.ErrAlreadyCommitted
	}
	return order, nil
}

var _ repositories.FulfillmentRepository = (*FulfillmentRepository)(nil)
