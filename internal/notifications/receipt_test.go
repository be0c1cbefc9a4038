package notifications

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/services"
)

func sampleOrder() services.Order {
	return services.Order{
		ID:         "pi_123",
		Currency:   "usd",
		Subtotal:   4000,
		Discount:   400,
		Total:      3600,
		CouponCode: "SPRING10",
		Items: []domain.OrderLineItem{
			{ProductID: "benchy", Name: "Benchy", Price: 1500},
			{ProductID: "vase", Name: "Spiral Vase", Price: 2500},
		},
		Billing: domain.BillingProfile{FullName: "Ada Lovelace"},
	}
}

func TestReceiptRendererRendersTotals(t *testing.T) {
	renderer, err := NewReceiptRenderer("")
	require.NoError(t, err)

	receipt, err := renderer.Render(sampleOrder())
	require.NoError(t, err)

	assert.Equal(t, "FreshSTL receipt for order pi_123", receipt.Subject)
	assert.Contains(t, receipt.Text, "Thanks for your order, Ada Lovelace")
	assert.Contains(t, receipt.Text, "15.00 USD")
	assert.Contains(t, receipt.Text, "-4.00 USD")
	assert.Contains(t, receipt.Text, "Total: 36.00 USD")
	assert.Contains(t, receipt.HTML, "<table>")
	assert.Contains(t, receipt.HTML, "<strong>Total: 36.00 USD</strong>")
}

func TestReceiptRendererEscapesProductNames(t *testing.T) {
	renderer, err := NewReceiptRenderer("Shop")
	require.NoError(t, err)

	order := sampleOrder()
	order.TestMode = true
	order.Items[0].Name = `<script>alert(1)</script> | *bold*`

	receipt, err := renderer.Render(order)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(receipt.Subject, "[TEST] Shop receipt"))
	assert.NotContains(t, receipt.HTML, "<script>")
	assert.NotContains(t, receipt.HTML, "<em>bold</em>")
	assert.Contains(t, receipt.Text, "(test mode)")
}

func TestReceiptRendererRejectsEmptyOrders(t *testing.T) {
	renderer, err := NewReceiptRenderer("")
	require.NoError(t, err)

	_, err = renderer.Render(services.Order{ID: "pi_empty"})
	assert.Error(t, err)
}
