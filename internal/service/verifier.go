package service

import (
	"context"
	"fmt"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

type Verifier struct {
	orders merchantOrderFetcher
}

func NewVerifier(orders merchantOrderFetcher) *Verifier {
	return &Verifier{orders: orders}
}

// Verify reads the merchant order from the provider and classifies its
// payments. Network, timeout and auth failures come back wrapping
// domain.ErrRemoteUnavailable.
func (v *Verifier) Verify(ctx context.Context, resourceURL string) (*domain.VerificationResult, error) {
	order, err := v.orders.GetMerchantOrder(ctx, resourceURL)
	if err != nil {
		return nil, fmt.Errorf("Verify: %w", err)
	}
	return Classify(order), nil
}

// Classify keeps only approved payments. Every other status (pending,
// in_process, rejected, refunded...) leaves the order unapproved.
func Classify(order *domain.MerchantOrder) *domain.VerificationResult {
	result := &domain.VerificationResult{Order: *order}
	for _, p := range order.Payments {
		if p.Status == domain.PaymentStatusApproved {
			result.ApprovedPayments = append(result.ApprovedPayments, p)
		}
	}
	return result
}
