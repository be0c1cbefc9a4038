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

const (
	userCollection     = "users"
	purchaseCollection = "purchases"
)

// PurchaseRepository reads purchases stored under users/{uid}/purchases.
type PurchaseRepository struct {
	provider *pfirestore.Provider
}

// NewPurchaseRepository constructs a Firestore-backed purchase reader.
func NewPurchaseRepository(provider *pfirestore.Provider) (*PurchaseRepository, error) {
	if provider == nil {
		return nil, errors.New("purchase repository requires firestore provider")
	}
	return &PurchaseRepository{provider: provider}, nil
}

// PurchaseID is the document ID of the purchase of productID in transaction txnID.
func PurchaseID(txnID, productID string) string {
	return txnID + "_" + productID
}

// Get loads one purchase of the user.
func (r *PurchaseRepository) Get(ctx context.Context, userID, purchaseID string) (domain.Purchase, error) {
	doc, err := r.collection(userID).Get(ctx, strings.TrimSpace(purchaseID))
	if err != nil {
		return domain.Purchase{}, err
	}
	return doc.Data.toDomain(doc.ID, userID), nil
}

// ListByUser pages through the user's purchases, newest first.
func (r *PurchaseRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.Page[domain.Purchase], error) {
	var size int
	var pageErr error
	docs, err := r.collection(userID).Query(ctx, func(q firestore.Query) firestore.Query {
		q, size, pageErr = pageQuery(q, pager, "purchasedAt")
		return q
	})
	if pageErr != nil {
		return domain.Page[domain.Purchase]{}, pageErr
	}
	if err != nil {
		return domain.Page[domain.Purchase]{}, err
	}
	purchases := make([]domain.Purchase, 0, len(docs))
	for _, doc := range docs {
		purchases = append(purchases, doc.Data.toDomain(doc.ID, userID))
	}
	items, token := nextToken(purchases, size, func(p domain.Purchase) (time.Time, string) { return p.PurchasedAt, p.ID })
	return domain.Page[domain.Purchase]{Items: items, NextPageToken: token}, nil
}

func (r *PurchaseRepository) collection(userID string) *pfirestore.Collection[purchaseDocument] {
	return pfirestore.SubCollection[purchaseDocument](r.provider, userCollection, strings.TrimSpace(userID), purchaseCollection)
}

type purchaseDocument struct {
	OrderID       string    `firestore:"orderId"`
	TransactionID string    `firestore:"transactionId"`
	ProductID     string    `firestore:"productId"`
	ProductName   string    `firestore:"productName"`
	PurchasedAt   time.Time `firestore:"purchasedAt"`
	DownloadRef   string    `firestore:"downloadRef"`
}

func newPurchaseDocument(p domain.Purchase) purchaseDocument {
	return purchaseDocument{
		OrderID:       p.OrderID,
		TransactionID: p.TransactionID,
		ProductID:     p.ProductID,
		ProductName:   p.ProductName,
		PurchasedAt:   p.PurchasedAt.UTC(),
		DownloadRef:   p.DownloadRef,
	}
}

func (d purchaseDocument) toDomain(id, userID string) domain.Purchase {
	return domain.Purchase{
		ID:            id,
		UserID:        userID,
		OrderID:       d.OrderID,
		TransactionID: d.TransactionID,
		ProductID:     d.ProductID,
		ProductName:   d.ProductName,
		PurchasedAt:   d.PurchasedAt,
		DownloadRef:   d.DownloadRef,
	}
}

var _ repositories.PurchaseRepository = (*PurchaseRepository)(nil)
