package notify

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

// Composer builds the payment confirmation message. Recipients are the
// buyer's delivery email plus the configured merchant addresses.
type Composer struct {
	merchantRecipients []string
}

func NewComposer(merchantRecipients []string) *Composer {
	return &Composer{merchantRecipients: merchantRecipients}
}

func (c *Composer) Confirmation(orderCtx *domain.OrderContext, result *domain.VerificationResult) Message {
	return Message{
		To:      c.recipients(orderCtx.Delivery.Email),
		Subject: "Pedido confirmado - " + subjectRef(orderCtx, result),
		Body:    confirmationBody(orderCtx, result),
	}
}

func (c *Composer) recipients(buyer string) []string {
	var to []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if slices.ContainsFunc(to, func(s string) bool { return strings.EqualFold(s, addr) }) {
			return
		}
		to = append(to, addr)
	}
	add(buyer)
	for _, m := range c.merchantRecipients {
		add(m)
	}
	return to
}

func subjectRef(orderCtx *domain.OrderContext, result *domain.VerificationResult) string {
	if orderCtx.Reference != "" {
		return orderCtx.Reference
	}
	return result.Order.ID
}

func confirmationBody(orderCtx *domain.OrderContext, result *domain.VerificationResult) string {
	d := orderCtx.Delivery
	var b strings.Builder

	fmt.Fprintf(&b, "Pagamento aprovado para o pedido %s.\n\n", subjectRef(orderCtx, result))

	b.WriteString("Dados de entrega:\n")
	fmt.Fprintf(&b, "Nome: %s\n", d.Name)
	fmt.Fprintf(&b, "Endereço: %s, %s\n", d.Street, d.Number)
	fmt.Fprintf(&b, "Cidade: %s - %s\n", d.City, d.State)
	fmt.Fprintf(&b, "CEP: %s\n", d.PostalCode)
	fmt.Fprintf(&b, "Telefone: %s\n", d.Phone)
	fmt.Fprintf(&b, "E-mail: %s\n\n", d.Email)

	b.WriteString("Produtos:\n")
	for _, item := range orderCtx.Items {
		fmt.Fprintf(&b, "- %s x%d — %s\n", item.Title, item.Quantity, FormatBRL(item.UnitPrice))
	}
	fmt.Fprintf(&b, "\nFrete: %s\n", FormatBRL(orderCtx.ShippingCost))
	fmt.Fprintf(&b, "Total: %s\n", FormatBRL(orderCtx.Total()))

	if len(result.ApprovedPayments) > 0 {
		b.WriteString("\nPagamentos aprovados:\n")
		for _, p := range result.ApprovedPayments {
			fmt.Fprintf(&b, "- #%s %s\n", p.ID, FormatBRL(p.Amount))
		}
	}
	return b.String()
}

// FormatBRL renders an amount with two fraction digits, e.g. R$150.00.
func FormatBRL(amount decimal.Decimal) string {
	return "R$" + amount.StringFixed(2)
}
