package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/order-payment-webhooks/internal/auth"
	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
)

type orderContextStore interface {
	Set(ctx context.Context, c *domain.OrderContext) error
}

// OrderContextHandler receives what the checkout flow knows about an order
// before payment: where it ships, what is in it and the shipping cost.
type OrderContextHandler struct {
	contexts orderContextStore
}

func NewOrderContextHandler(contexts orderContextStore) *OrderContextHandler {
	return &OrderContextHandler{contexts: contexts}
}

type orderContextRequest struct {
	Delivery     domain.DeliveryData `json:"delivery"`
	Items        []orderItemRequest  `json:"items"`
	ShippingCost decimal.Decimal     `json:"shipping_cost"`
}

type orderItemRequest struct {
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

const maxReferenceLen = 256

func (r orderContextRequest) Validate(reference string) []FieldError {
	var errs []FieldError

	if reference == "" {
		errs = append(errs, FieldError{Field: "reference", Message: "required"})
	} else if len(reference) > maxReferenceLen {
		errs = append(errs, FieldError{Field: "reference", Message: "must be at most 256 characters"})
	}

	if strings.TrimSpace(r.Delivery.Name) == "" {
		errs = append(errs, FieldError{Field: "delivery.name", Message: "required"})
	}
	if r.Delivery.Email == "" {
		errs = append(errs, FieldError{Field: "delivery.email", Message: "required"})
	} else if _, err := mail.ParseAddress(r.Delivery.Email); err != nil {
		errs = append(errs, FieldError{Field: "delivery.email", Message: "must be a valid email address"})
	}

	if len(r.Items) == 0 {
		errs = append(errs, FieldError{Field: "items", Message: "at least one item required"})
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.Title) == "" {
			errs = append(errs, FieldError{Field: itemField(i, "title"), Message: "required"})
		}
		if item.Quantity <= 0 {
			errs = append(errs, FieldError{Field: itemField(i, "quantity"), Message: "must be greater than 0"})
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, FieldError{Field: itemField(i, "unit_price"), Message: "must not be negative"})
		}
	}

	if r.ShippingCost.IsNegative() {
		errs = append(errs, FieldError{Field: "shipping_cost", Message: "must not be negative"})
	}

	return errs
}

func itemField(i int, name string) string {
	return "items[" + strconv.Itoa(i) + "]." + name
}

func (r orderContextRequest) toDomain(reference string) *domain.OrderContext {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.OrderItem{
			Title:     strings.TrimSpace(item.Title),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return &domain.OrderContext{
		Reference:    reference,
		Delivery:     r.Delivery,
		Items:        items,
		ShippingCost: r.ShippingCost,
	}
}

type orderContextResponse struct {
	Reference string    `json:"reference"`
	Total     string    `json:"total"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Put stores the context under the order reference that the checkout also
// sends to the provider as external_reference.
func (h *OrderContextHandler) Put(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	reference := strings.TrimSpace(r.PathValue("ref"))

	var req orderContextRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(reference); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	oc := req.toDomain(reference)
	if err := h.contexts.Set(r.Context(), oc); err != nil {
		log.Error("failed to store order context", "error", err, "reference", reference)
		RespondDomainError(w, err)
		return
	}

	clientID, _ := auth.ClientIDFromContext(r.Context())
	log.Info("order context stored",
		"reference", reference,
		"items", len(oc.Items),
		"client_id", clientID,
	)

	RespondSuccess(w, http.StatusOK, orderContextResponse{
		Reference: reference,
		Total:     oc.Total().StringFixed(2),
		ExpiresAt: oc.ExpiresAt,
	})
}
