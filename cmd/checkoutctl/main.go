package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freshstl/storefront/internal/di"
	"github.com/freshstl/storefront/internal/platform/config"
	"github.com/freshstl/storefront/internal/platform/observability"
	"github.com/freshstl/storefront/internal/platform/secrets"
	"github.com/freshstl/storefront/internal/services"
)

var Version = "dev"

// operator is the slice of the service layer the CLI drives.
type operator interface {
	Reconcile(ctx context.Context, wizardID string) (services.Wizard, error)
	GetOrder(ctx context.Context, orderID string) (services.Order, error)
	TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error)
}

// connectFunc dials the backing services. The returned closer releases them.
type connectFunc func(ctx context.Context) (operator, func(context.Context) error, error)

func main() {
	if err := newRootCmd(connectProduction).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(connect connectFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "checkoutctl",
		Short:         "Operator tooling for FreshSTL checkout",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(fulfillmentCmd(connect))
	root.AddCommand(orderCmd(connect))
	return root
}

// withOperator connects, runs fn and always releases the connection.
func withOperator(cmd *cobra.Command, connect connectFunc, fn func(ctx context.Context, op operator) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	op, closeFn, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if closeFn != nil {
			_ = closeFn(context.Background())
		}
	}()
	return fn(ctx, op)
}

func connectProduction(ctx context.Context) (operator, func(context.Context) error, error) {
	logger, err := observability.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	logger = logger.Named("checkoutctl")

	fetcher, err := secrets.NewFetcher(ctx, secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		_ = fetcher.Close()
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return nil, nil, fmt.Errorf("missing secrets %v", missing.RedactedNames())
		}
		return nil, nil, err
	}

	runtime, err := di.Build(ctx, cfg, logger)
	if err != nil {
		_ = fetcher.Close()
		return nil, nil, err
	}
	closeFn := func(ctx context.Context) error {
		err := errors.Join(runtime.Close(ctx), fetcher.Close())
		_ = logger.Sync()
		return err
	}
	logger.Debug("connected", zap.String("environment", cfg.Security.Environment))
	return serviceOperator{checkout: runtime.Services.Checkout, orders: runtime.Services.Orders}, closeFn, nil
}

type serviceOperator struct {
	checkout services.CheckoutService
	orders   services.OrderService
}

func (o serviceOperator) Reconcile(ctx context.Context, wizardID string) (services.Wizard, error) {
	return o.checkout.Reconcile(ctx, wizardID)
}

func (o serviceOperator) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	return o.orders.GetOrderForOperator(ctx, orderID)
}

func (o serviceOperator) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	return o.orders.TransitionStatus(ctx, cmd)
}
