package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
)

// Resolver maps payment notifications to the merchant order that lists them.
// The mapping is built by Index when a merchant_order notification arrives.
type Resolver struct {
	events eventIndex
	orders merchantOrderFetcher
}

func NewResolver(events eventIndex, orders merchantOrderFetcher) *Resolver {
	return &Resolver{events: events, orders: orders}
}

// Resolve finds the stored merchant_order event whose provider order lists the
// payment. It returns domain.ErrNotCorrelatable when that merchant order has
// not been seen and indexed yet.
func (r *Resolver) Resolve(ctx context.Context, event *domain.WebhookEvent) (*domain.MerchantOrderRef, error) {
	paymentID := event.ObjectID()
	if event.EventType != domain.WebhookEventTypePayment || paymentID == "" {
		return nil, fmt.Errorf("Resolve: %w", domain.ErrMalformedPayload)
	}

	mo, err := r.events.FindMerchantOrderFor(ctx, paymentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("Resolve: payment %s: %w: %w", paymentID, domain.ErrNotCorrelatable, err)
		}
		return nil, fmt.Errorf("Resolve: %w", err)
	}

	return &domain.MerchantOrderRef{
		EventID:           mo.ID,
		MerchantOrderID:   deref(mo.MerchantOrderID),
		ResourceURL:       mo.ResourceURL,
		ExternalReference: deref(mo.ExternalReference),
	}, nil
}

// Index fetches the merchant order a merchant_order event points at and
// records its payment ids on the stored row. If the row cannot be updated the
// fetched order is still returned so this delivery can be reconciled in
// memory.
func (r *Resolver) Index(ctx context.Context, event *domain.WebhookEvent) (*domain.MerchantOrder, error) {
	if event.EventType != domain.WebhookEventTypeMerchantOrder || event.ResourceURL == "" {
		return nil, fmt.Errorf("Index: %w", domain.ErrMalformedPayload)
	}

	order, err := r.orders.GetMerchantOrder(ctx, event.ResourceURL)
	if err != nil {
		return nil, fmt.Errorf("Index: %w", err)
	}

	paymentIDs := order.PaymentIDs()
	event.MerchantOrderID = &order.ID
	event.ExternalReference = &order.ExternalReference
	event.PaymentIDs = paymentIDs

	if event.Stored() {
		if err := r.events.AttachPayments(ctx, event.ID, order.ID, order.ExternalReference, paymentIDs); err != nil {
			logging.FromContext(ctx).Error("failed to index merchant order payments",
				"error", err,
				"webhook_event_id", event.ID,
				"merchant_order_id", order.ID,
			)
		}
	}
	return order, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
