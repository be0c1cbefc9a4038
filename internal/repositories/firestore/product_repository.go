package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/freshstl/storefront/internal/domain"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads catalog projections. The catalog itself is managed elsewhere.
type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
}

// NewProductRepository constructs a Firestore-backed product reader.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{products: pfirestore.NewCollection[productDocument](provider, productCollection)}, nil
}

// Get loads the product by ID.
func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	image := doc.Data.ImageURL
	if image == "" && len(doc.Data.Images) > 0 {
		image = doc.Data.Images[0]
	}
	return domain.Product{
		ID:         doc.ID,
		Name:       strings.TrimSpace(doc.Data.Name),
		Price:      doc.Data.Price,
		ImageRef:   image,
		Category:   doc.Data.Category,
		FileObject: strings.TrimSpace(doc.Data.FileObject),
		Published:  doc.Data.Published,
	}, nil
}

type productDocument struct {
	Name       string   `firestore:"name"`
	Price      int64    `firestore:"price"`
	ImageURL   string   `firestore:"imageUrl,omitempty"`
	Images     []string `firestore:"images,omitempty"`
	Category   string   `firestore:"category,omitempty"`
	FileObject string   `firestore:"fileObject,omitempty"`
	Published  bool     `firestore:"published"`
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
