package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookEventStatus string

const (
	WebhookEventStatusPending    WebhookEventStatus = "pending"
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusProcessed  WebhookEventStatus = "processed"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
)

type WebhookEventType string

const (
	WebhookEventTypeMerchantOrder WebhookEventType = "merchant_order"
	WebhookEventTypePayment       WebhookEventType = "payment"
	WebhookEventTypeUnknown       WebhookEventType = "unknown"
)

// WebhookEvent is one logical provider notification. Redeliveries of the same
// (EventType, CorrelationKey) pair collapse into a single row.
type WebhookEvent struct {
	ID                uuid.UUID
	EventType         WebhookEventType
	Action            string
	ResourceURL       string
	ProviderObjectID  *string
	CorrelationKey    string
	MerchantOrderID   *string
	ExternalReference *string
	PaymentIDs        []string
	Payload           json.RawMessage
	Status            WebhookEventStatus
	Outcome           Outcome
	Deliveries        int
	Attempts          int
	ReceivedAt        time.Time
	ClaimedAt         *time.Time
	ProcessedAt       *time.Time
	// Set when a transient failure deferred the event; the poller skips it
	// until then.
	NextAttemptAt *time.Time
}

// Stored reports whether the event made it to the event store. Events that
// could not be persisted are still reconciled from memory.
func (e *WebhookEvent) Stored() bool {
	return e.ID != uuid.Nil
}

func (e *WebhookEvent) ObjectID() string {
	if e.ProviderObjectID == nil {
		return ""
	}
	return *e.ProviderObjectID
}
