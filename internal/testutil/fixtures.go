package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

const ProviderBase = "https://api.mercadopago.com"

func MerchantOrderURL(id string) string {
	return ProviderBase + "/merchant_orders/" + id
}

// SeedMerchantOrderEvent inserts an already indexed merchant_order row.
func SeedMerchantOrderEvent(t *testing.T, db *sql.DB, merchantOrderID, externalReference string, paymentIDs ...string) uuid.UUID {
	t.Helper()

	if paymentIDs == nil {
		paymentIDs = []string{}
	}
	id := uuid.New()
	url := MerchantOrderURL(merchantOrderID)
	_, err := db.Exec(
		`INSERT INTO webhook_events (
			id, event_type, resource_url, correlation_key, merchant_order_id,
			external_reference, payment_ids, status
		) VALUES ($1, $2, $3, $3, $4, $5, $6, $7)`,
		id, domain.WebhookEventTypeMerchantOrder, url, merchantOrderID,
		externalReference, pq.Array(paymentIDs), domain.WebhookEventStatusProcessed,
	)
	if err != nil {
		t.Fatalf("seed merchant order event: %v", err)
	}
	return id
}

func SeedPaymentEvent(t *testing.T, db *sql.DB, paymentID string, status domain.WebhookEventStatus) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Exec(
		`INSERT INTO webhook_events (id, event_type, provider_object_id, correlation_key, status)
		 VALUES ($1, $2, $3, $3, $4)`,
		id, domain.WebhookEventTypePayment, paymentID, status,
	)
	if err != nil {
		t.Fatalf("seed payment event: %v", err)
	}
	return id
}

func CountWebhookEvents(t *testing.T, db *sql.DB) int {
	t.Helper()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM webhook_events`).Scan(&n); err != nil {
		t.Fatalf("count webhook events: %v", err)
	}
	return n
}

// AgeWebhookEvent moves an event's received_at into the past.
func AgeWebhookEvent(t *testing.T, db *sql.DB, id uuid.UUID, age time.Duration) {
	t.Helper()

	_, err := db.Exec(`UPDATE webhook_events SET received_at = $1 WHERE id = $2`, time.Now().UTC().Add(-age), id)
	if err != nil {
		t.Fatalf("age webhook event: %v", err)
	}
}

// ExpireClaims backdates every processing claim and notification claim so
// the next lease check sees them as stale.
func ExpireClaims(t *testing.T, db *sql.DB, age time.Duration) {
	t.Helper()

	past := time.Now().UTC().Add(-age)
	if _, err := db.Exec(`UPDATE webhook_events SET claimed_at = $1 WHERE claimed_at IS NOT NULL`, past); err != nil {
		t.Fatalf("expire event claims: %v", err)
	}
	if _, err := db.Exec(`UPDATE order_notifications SET claimed_at = $1 WHERE claimed_at IS NOT NULL`, past); err != nil {
		t.Fatalf("expire notification claims: %v", err)
	}
}

func ExpireOrderContext(t *testing.T, db *sql.DB, reference string) {
	t.Helper()

	_, err := db.Exec(`UPDATE order_contexts SET expires_at = now() - interval '1 minute' WHERE reference = $1`, reference)
	if err != nil {
		t.Fatalf("expire order context: %v", err)
	}
}
