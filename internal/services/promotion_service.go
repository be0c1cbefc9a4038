package services

import (
	"context"
	"errors"
	"strings"

	"github.com/freshstl/storefront/internal/repositories"
)

const maxCouponCodeLength = 64

// PromotionServiceDeps bundles dependencies required to construct a PromotionService.
type PromotionServiceDeps struct {
	Coupons repositories.CouponRepository
}

// PromotionService resolves coupon codes into discounts.
type PromotionService struct {
	repo repositories.CouponRepository
}

// NewPromotionService wires a PromotionService backed by the coupon repository.
func NewPromotionService(deps PromotionServiceDeps) (*PromotionService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("promotion service: coupon repository is required")
	}
	return &PromotionService{repo: deps.Coupons}, nil
}

// Lookup returns the active coupon for code. Unknown and inactive codes are validation errors.
func (s *PromotionService) Lookup(ctx context.Context, code string) (Coupon, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return Coupon{}, FieldErrors{"code": "is required"}
	}
	if len(normalized) > maxCouponCodeLength {
		return Coupon{}, FieldErrors{"code": "is too long"}
	}

	coupon, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Coupon{}, FieldErrors{"code": "is not a valid coupon"}
		}
		return Coupon{}, translateRepoError(err, "coupon lookup")
	}
	if !coupon.Active {
		return Coupon{}, FieldErrors{"code": "is not a valid coupon"}
	}
	if coupon.DiscountPercent < 0 || coupon.DiscountPercent > 100 {
		return Coupon{}, FieldErrors{"code": "has an invalid discount"}
	}
	coupon.Code = normalized
	return coupon, nil
}
