package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DeliveryData struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	Number     string `json:"number"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
}

type OrderItem struct {
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderContext is what the checkout flow knows about an order before the
// provider confirms payment. Reference matches the merchant order's
// external_reference.
type OrderContext struct {
	Reference    string
	Delivery     DeliveryData
	Items        []OrderItem
	ShippingCost decimal.Decimal
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

func (c *OrderContext) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

func (c *OrderContext) Total() decimal.Decimal {
	return c.ItemsTotal().Add(c.ShippingCost)
}
