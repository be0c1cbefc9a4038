// Package notifications renders customer facing messages carried on order events.
package notifications

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	domain "github.com/freshstl/storefront/internal/domain"
	"github.com/freshstl/storefront/internal/services"
)

const receiptTemplate = `# Thanks for your order, {{.Name}}

Order **{{.OrderID}}**{{if .TestMode}} _(test mode)_{{end}}

| Model | Price |
|---|---:|
{{range .Lines}}| {{.Name}} | {{.Price}} |
{{end}}
{{if .Discount}}Coupon {{.Coupon}}: -{{.Discount}}

{{end}}**Total: {{.Total}}**

Your files are available under *My purchases*. Download links are valid for 15 minutes after you request them.
`

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"<", "&lt;", ">", "&gt;", "#", `\#`, "|", `\|`,
)

type receiptLine struct {
	Name  string
	Price string
}

type receiptView struct {
	Name     string
	OrderID  string
	TestMode bool
	Lines    []receiptLine
	Coupon   string
	Discount string
	Total    string
}

// ReceiptRenderer turns an order into the markdown, HTML and subject of the receipt e-mail.
type ReceiptRenderer struct {
	tmpl     *template.Template
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
	brand    string
}

// NewReceiptRenderer builds a renderer. brand prefixes the subject line.
func NewReceiptRenderer(brand string) (*ReceiptRenderer, error) {
	tmpl, err := template.New("receipt").Parse(receiptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse receipt template: %w", err)
	}
	brand = strings.TrimSpace(brand)
	if brand == "" {
		brand = "FreshSTL"
	}
	return &ReceiptRenderer{
		tmpl:     tmpl,
		markdown: goldmark.New(goldmark.WithExtensions(extension.Table)),
		policy:   bluemonday.UGCPolicy(),
		brand:    brand,
	}, nil
}

// Render implements services.ReceiptRenderer.
func (r *ReceiptRenderer) Render(order services.Order) (services.Receipt, error) {
	if len(order.Items) == 0 {
		return services.Receipt{}, errors.New("receipt: order has no items")
	}
	view := receiptView{
		Name:     escape(firstNonEmpty(order.Billing.FullName, "there")),
		OrderID:  escape(order.ID),
		TestMode: order.TestMode,
		Total:    domain.FormatAmount(order.Total, order.Currency),
	}
	for _, item := range order.Items {
		view.Lines = append(view.Lines, receiptLine{
			Name:  escape(item.Name),
			Price: domain.FormatAmount(item.Price, order.Currency),
		})
	}
	if order.Discount > 0 {
		view.Coupon = escape(order.CouponCode)
		view.Discount = domain.FormatAmount(order.Discount, order.Currency)
	}

	var text bytes.Buffer
	if err := r.tmpl.Execute(&text, view); err != nil {
		return services.Receipt{}, fmt.Errorf("render receipt: %w", err)
	}
	var html bytes.Buffer
	if err := r.markdown.Convert(text.Bytes(), &html); err != nil {
		return services.Receipt{}, fmt.Errorf("convert receipt: %w", err)
	}

	subject := fmt.Sprintf("%s receipt for order %s", r.brand, order.ID)
	if order.TestMode {
		subject = "[TEST] " + subject
	}
	return services.Receipt{
		Subject: subject,
		Text:    text.String(),
		HTML:    r.policy.Sanitize(html.String()),
	}, nil
}

func escape(value string) string {
	return markdownEscaper.Replace(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
