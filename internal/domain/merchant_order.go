package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusApproved   PaymentStatus = "approved"
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusInProcess  PaymentStatus = "in_process"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusRejected   PaymentStatus = "rejected"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusChargeback PaymentStatus = "charged_back"
)

type PaymentRecord struct {
	ID           string
	Status       PaymentStatus
	StatusDetail string
	Amount       decimal.Decimal
}

// MerchantOrder is the provider's aggregate of an order and its payment attempts.
type MerchantOrder struct {
	ID                string
	ResourceURL       string
	ExternalReference string
	Payments          []PaymentRecord
}

func (o *MerchantOrder) PaymentIDs() []string {
	ids := make([]string, 0, len(o.Payments))
	for _, p := range o.Payments {
		if p.ID != "" {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

type VerificationResult struct {
	Order            MerchantOrder
	ApprovedPayments []PaymentRecord
}

func (r *VerificationResult) Approved() bool {
	return r != nil && len(r.ApprovedPayments) > 0
}

// MerchantOrderRef points at a stored merchant_order event that lists a
// given payment.
type MerchantOrderRef struct {
	EventID           uuid.UUID
	MerchantOrderID   string
	ResourceURL       string
	ExternalReference string
}
