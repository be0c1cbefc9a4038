package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/services"
)

func orderCmd(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Read and correct orders",
	}
	cmd.AddCommand(orderShowCmd(connect))
	cmd.AddCommand(orderSetStatusCmd(connect))
	return cmd
}

func orderShowCmd(connect connectFunc) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show ORDER_ID",
		Short: "Print an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := strings.ToLower(strings.TrimSpace(output))
			if format != "yaml" && format != "json" {
				return fmt.Errorf("unsupported output %q (want yaml or json)", output)
			}
			return withOperator(cmd, connect, func(ctx context.Context, op operator) error {
				order, err := op.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return writeOrder(cmd.OutOrStdout(), format, order)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (yaml, json)")
	return cmd
}

func orderSetStatusCmd(connect connectFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "set-status ORDER_ID STATUS",
		Short: "Move an order to pending, completed, refunded or failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, connect, func(ctx context.Context, op operator) error {
				order, err := op.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
					OrderID: args[0],
					Target:  domain.OrderStatus(strings.ToLower(strings.TrimSpace(args[1]))),
					Reason:  reason,
					ActorID: operatorID(),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s is %s\n", order.ID, order.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the order")
	return cmd
}

func operatorID() string {
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		return "cli:" + user
	}
	return "cli:unknown"
}

type orderView struct {
	ID            string          `json:"id" yaml:"id"`
	UserID        string          `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	TransactionID string          `json:"transaction_id" yaml:"transaction_id"`
	Status        string          `json:"status" yaml:"status"`
	StatusReason  string          `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`
	Gateway       string          `json:"gateway" yaml:"gateway"`
	Mode          string          `json:"mode" yaml:"mode"`
	TestMode      bool            `json:"test_mode" yaml:"test_mode"`
	Currency      string          `json:"currency" yaml:"currency"`
	Subtotal      string          `json:"subtotal" yaml:"subtotal"`
	Discount      string          `json:"discount" yaml:"discount"`
	Total         string          `json:"total" yaml:"total"`
	CouponCode    string          `json:"coupon_code,omitempty" yaml:"coupon_code,omitempty"`
	Email         string          `json:"email" yaml:"email"`
	Card          string          `json:"card,omitempty" yaml:"card,omitempty"`
	Items         []orderItemView `json:"items" yaml:"items"`
	CreatedAt     string          `json:"created_at" yaml:"created_at"`
	UpdatedAt     string          `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

type orderItemView struct {
	ProductID string `json:"product_id" yaml:"product_id"`
	Name      string `json:"name" yaml:"name"`
	Price     string `json:"price" yaml:"price"`
}

func newOrderView(order services.Order) orderView {
	view := orderView{
		ID:            order.ID,
		UserID:        order.UserID,
		TransactionID: order.TransactionID,
		Status:        string(order.Status),
		StatusReason:  order.StatusReason,
		Gateway:       string(order.Gateway),
		Mode:          string(order.Mode),
		TestMode:      order.TestMode,
		Currency:      order.Currency,
		Subtotal:      domain.FormatAmount(order.Subtotal, order.Currency),
		Discount:      domain.FormatAmount(order.Discount, order.Currency),
		Total:         domain.FormatAmount(order.Total, order.Currency),
		CouponCode:    order.CouponCode,
		Email:         order.Billing.Email,
		Items:         make([]orderItemView, 0, len(order.Items)),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
	if order.CardLast4 != "" {
		view.Card = strings.TrimSpace(order.CardBrand + " **** " + order.CardLast4)
	}
	for _, item := range order.Items {
		view.Items = append(view.Items, orderItemView{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     domain.FormatAmount(item.Price, order.Currency),
		})
	}
	return view
}

func writeOrder(w io.Writer, format string, order services.Order) error {
	view := newOrderView(order)
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
