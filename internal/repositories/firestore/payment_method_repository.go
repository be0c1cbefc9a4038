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

const paymentMethodCollection = "paymentMethods"

// PaymentMethodRepository persists PSP payment references under users/{uid}/paymentMethods.
type PaymentMethodRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// NewPaymentMethodRepository constructs a Firestore-backed payment method repository.
func NewPaymentMethodRepository(provider *pfirestore.Provider) (*PaymentMethodRepository, error) {
	if provider == nil {
		return nil, errors.New("payment method repository requires firestore provider")
	}
	return &PaymentMethodRepository{provider: provider, clock: time.Now}, nil
}

// List returns all payment methods for the user ordered by creation time descending.
func (r *PaymentMethodRepository) List(ctx context.Context, userID string) ([]domain.PaymentMethod, error) {
	docs, err := r.collection(userID).Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	methods := make([]domain.PaymentMethod, 0, len(docs))
	for _, doc := range docs {
		methods = append(methods, doc.Data.toDomain(doc.ID))
	}
	return methods, nil
}

// Get loads a single payment method by ID.
func (r *PaymentMethodRepository) Get(ctx context.Context, userID, methodID string) (domain.PaymentMethod, error) {
	doc, err := r.collection(userID).Get(ctx, strings.TrimSpace(methodID))
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Insert stores a new payment method. A token that is already saved yields a conflict.
func (r *PaymentMethodRepository) Insert(ctx context.Context, userID string, method domain.PaymentMethod) (domain.PaymentMethod, error) {
	coll, err := r.collection(userID).Ref(ctx)
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	token := strings.TrimSpace(method.Token)
	if token == "" {
		return domain.PaymentMethod{}, errors.New("payment method repository: token is required")
	}

	now := r.clock().UTC()
	var saved domain.PaymentMethod
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(coll.Where("token", "==", token).Limit(1)).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) > 0 {
			return pfirestore.Conflict("payment_methods.insert", "payment method already exists")
		}

		docRef := coll.NewDoc()
		if id := strings.TrimSpace(method.ID); id != "" {
			docRef = coll.Doc(id)
		}
		doc := paymentMethodDocument{
			Provider:  strings.TrimSpace(method.Provider),
			Token:     token,
			Brand:     strings.TrimSpace(method.Brand),
			Last4:     strings.TrimSpace(method.Last4),
			ExpMonth:  method.ExpMonth,
			ExpYear:   method.ExpYear,
			Mode:      string(method.Mode),
			CreatedAt: method.CreatedAt.UTC(),
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
		if err := tx.Create(docRef, doc); err != nil {
			return err
		}
		saved = doc.toDomain(docRef.ID)
		return nil
	}, pfirestore.WithTxName("payment_methods.insert"))
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	return saved, nil
}

// Delete removes the specified payment method.
func (r *PaymentMethodRepository) Delete(ctx context.Context, userID, methodID string) error {
	id := strings.TrimSpace(methodID)
	if id == "" {
		return errors.New("payment method repository: id is required")
	}
	coll := r.collection(userID)
	if _, err := coll.Get(ctx, id); err != nil {
		return err
	}
	return coll.Delete(ctx, id)
}

func (r *PaymentMethodRepository) collection(userID string) *pfirestore.Collection[paymentMethodDocument] {
	return pfirestore.SubCollection[paymentMethodDocument](r.provider, userCollection, strings.TrimSpace(userID), paymentMethodCollection)
}

type paymentMethodDocument struct {
	Provider  string    `firestore:"provider"`
	Token     string    `firestore:"token"`
	Brand     string    `firestore:"brand,omitempty"`
	Last4     string    `firestore:"last4,omitempty"`
	ExpMonth  int       `firestore:"expMonth,omitempty"`
	ExpYear   int       `firestore:"expYear,omitempty"`
	Mode      string    `firestore:"mode"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d paymentMethodDocument) toDomain(id string) domain.PaymentMethod {
	return domain.PaymentMethod{
		ID:        id,
		Provider:  strings.TrimSpace(d.Provider),
		Token:     strings.TrimSpace(d.Token),
		Brand:     strings.TrimSpace(d.Brand),
		Last4:     strings.TrimSpace(d.Last4),
		ExpMonth:  d.ExpMonth,
		ExpYear:   d.ExpYear,
		Mode:      domain.PaymentMode(d.Mode),
		CreatedAt: d.CreatedAt,
	}
}

var _ repositories.PaymentMethodRepository = (*PaymentMethodRepository)(nil)
