package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/freshstl/storefront/internal/repositories"
)

// PaymentMethodServiceDeps wires saved card management.
type PaymentMethodServiceDeps struct {
	Repository repositories.PaymentMethodRepository
	// Detachers maps a provider name to the PSP client that detaches its methods.
	Detachers map[string]PaymentMethodDetacher
	Logger    Logger
}

type paymentMethodService struct {
	repo      repositories.PaymentMethodRepository
	detachers map[string]PaymentMethodDetacher
	logger    Logger
}

// NewPaymentMethodService constructs a PaymentMethodService.
func NewPaymentMethodService(deps PaymentMethodServiceDeps) (PaymentMethodService, error) {
	if deps.Repository == nil {
		return nil, errors.New("payment method service: repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &paymentMethodService{repo: deps.Repository, detachers: deps.Detachers, logger: logger}, nil
}

func (s *paymentMethodService) List(ctx context.Context, actor Actor) ([]PaymentMethod, error) {
	if actor.UserID == "" {
		return nil, ErrAuth
	}
	methods, err := s.repo.List(ctx, actor.UserID)
	if err != nil {
		return nil, translateRepoError(err, "list payment methods")
	}
	return methods, nil
}

// Delete detaches the method at the PSP before removing the reference. A method the PSP no longer knows is
// still removed locally.
func (s *paymentMethodService) Delete(ctx context.Context, actor Actor, methodID string) error {
	if actor.UserID == "" {
		return ErrAuth
	}
	id := strings.TrimSpace(methodID)
	if id == "" {
		return FieldErrors{"methodId": "is required"}
	}
	method, err := s.repo.Get(ctx, actor.UserID, id)
	if err != nil {
		return translateRepoError(err, "payment method")
	}

	if detacher, ok := s.detachers[strings.ToLower(method.Provider)]; ok && method.Token != "" {
		if err := detacher.Detach(ctx, method.Token); err != nil {
			translated := translateGatewayError(err)
			if !errors.Is(translated, ErrGatewayValidation) {
				return fmt.Errorf("detach payment method: %w", translated)
			}
			s.logger(ctx, "payment_method.detach_rejected", map[string]any{"methodId": id, "error": err.Error()})
		}
	}
	if err := s.repo.Delete(ctx, actor.UserID, id); err != nil {
		return translateRepoError(err, "delete payment method")
	}
	s.logger(ctx, "payment_method.deleted", map[string]any{"methodId": id, "userId": actor.UserID})
	return nil
}
