package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func fulfillmentCmd(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fulfillment",
		Short: "Inspect and repair order fulfillment",
	}
	cmd.AddCommand(fulfillmentRetryCmd(connect))
	return cmd
}

func fulfillmentRetryCmd(connect connectFunc) *cobra.Command {
	var wizardID string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-verify a wizard's payment with the gateway and commit its order",
		Long: `Retry looks up the payment claimed by the wizard, verifies it with the gateway
and commits the order and purchases. Wizards that already completed report their order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wizardID = strings.TrimSpace(wizardID)
			if wizardID == "" {
				return errors.New("--wizard is required")
			}
			return withOperator(cmd, connect, func(ctx context.Context, op operator) error {
				wizard, err := op.Reconcile(ctx, wizardID)
				if err != nil {
					return fmt.Errorf("retry wizard %s: %w", wizardID, err)
				}
				out := cmd.OutOrStdout()
				if wizard.Failure != nil {
					fmt.Fprintf(out, "wizard %s still failing: %s (reference %s)\n", wizard.ID, wizard.Failure.Message, wizard.Failure.Reference)
					return errors.New("fulfillment not recovered")
				}
				fmt.Fprintf(out, "wizard %s committed order %s\n", wizard.ID, wizard.OrderID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wizardID, "wizard", "", "Checkout wizard id")
	return cmd
}
