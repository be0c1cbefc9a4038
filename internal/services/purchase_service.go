package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/freshstl/storefront/internal/domain"
	pstorage "github.com/freshstl/storefront/internal/platform/storage"
	"github.com/freshstl/storefront/internal/repositories"
)

const defaultDownloadTTL = 15 * time.Minute

// PurchaseServiceDeps wires purchase reads and download signing.
type PurchaseServiceDeps struct {
	Purchases   repositories.PurchaseRepository
	Signer      DownloadSigner
	Bucket      string
	DownloadTTL time.Duration
	Logger      Logger
}

type purchaseService struct {
	purchases repositories.PurchaseRepository
	signer    DownloadSigner
	bucket    string
	ttl       time.Duration
	logger    Logger
}

// NewPurchaseService constructs a PurchaseService.
func NewPurchaseService(deps PurchaseServiceDeps) (PurchaseService, error) {
	if deps.Purchases == nil {
		return nil, errors.New("purchase service: purchase repository is required")
	}
	if deps.Signer == nil {
		return nil, errors.New("purchase service: download signer is required")
	}
	bucket := strings.TrimSpace(deps.Bucket)
	if bucket == "" {
		return nil, errors.New("purchase service: models bucket is required")
	}
	ttl := deps.DownloadTTL
	if ttl <= 0 {
		ttl = defaultDownloadTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &purchaseService{
		purchases: deps.Purchases,
		signer:    deps.Signer,
		bucket:    bucket,
		ttl:       ttl,
		logger:    logger,
	}, nil
}

func (s *purchaseService) ListPurchases(ctx context.Context, actor Actor, pager Pagination) (domain.Page[Purchase], error) {
	if actor.UserID == "" {
		return domain.Page[Purchase]{}, ErrAuth
	}
	page, err := s.purchases.ListByUser(ctx, actor.UserID, pager)
	if err != nil {
		return domain.Page[Purchase]{}, translateRepoError(err, "list purchases")
	}
	return page, nil
}

// DownloadURL signs a short-lived link for one of the actor's purchases.
func (s *purchaseService) DownloadURL(ctx context.Context, actor Actor, purchaseID string) (DownloadLink, error) {
	if actor.UserID == "" {
		return DownloadLink{}, ErrAuth
	}
	id := strings.TrimSpace(purchaseID)
	if id == "" {
		return DownloadLink{}, FieldErrors{"purchaseId": "is required"}
	}
	purchase, err := s.purchases.Get(ctx, actor.UserID, id)
	if err != nil {
		return DownloadLink{}, translateRepoError(err, "purchase")
	}

	object, err := pstorage.NormaliseObjectPath(s.bucket, purchase.DownloadRef)
	if err != nil {
		s.logger(ctx, "purchase.download.bad_ref", map[string]any{"purchaseId": id, "ref": purchase.DownloadRef})
		return DownloadLink{}, fmt.Errorf("%w: purchase %s has no downloadable file", ErrUnavailable, id)
	}
	fileName := pstorage.DownloadFileName(purchase.ProductName, object)
	signed, err := s.signer.DownloadURL(ctx, s.bucket, object, pstorage.DownloadOptions{
		ExpiresIn: s.ttl,
		FileName:  fileName,
	})
	if err != nil {
		return DownloadLink{}, fmt.Errorf("%w: sign download: %v", ErrUnavailable, err)
	}
	s.logger(ctx, "purchase.download.issued", map[string]any{"purchaseId": id, "userId": actor.UserID})
	return DownloadLink{URL: signed.URL, FileName: fileName, ExpiresAt: signed.ExpiresAt}, nil
}
