package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/freshstl/storefront/internal/domain"
	pfirestore "github.com/freshstl/storefront/internal/platform/firestore"
	"github.com/freshstl/storefront/internal/repositories"
)

const couponCollection = "coupons"

// CouponRepository looks up coupons stored under coupons/{CODE}.
type CouponRepository struct {
	coupons *pfirestore.Collection[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon reader.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{coupons: pfirestore.NewCollection[couponDocument](provider, couponCollection)}, nil
}

// FindByCode loads the coupon. Codes are case-insensitive.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	doc, err := r.coupons.Get(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	return domain.Coupon{
		Code:            doc.ID,
		DiscountPercent: doc.Data.Discount,
		Active:          doc.Data.Active,
	}, nil
}

type couponDocument struct {
	Discount int  `firestore:"discount"`
	Active   bool `firestore:"active"`
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
