package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

const webhookEventColumns = `id, event_type, action, resource_url, provider_object_id,
	correlation_key, merchant_order_id, external_reference, payment_ids, payload,
	status, outcome, deliveries, attempts, received_at, claimed_at, processed_at,
	next_attempt_at`

type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record stores an event, collapsing redeliveries of the same
// (event_type, correlation_key) into the existing row. A redelivery refreshes
// the payload and status so the event is reconciled again, clearing any
// retry delay. On success the
// event's ID, Deliveries and any correlation data already attached to the row
// are filled in.
func (r *WebhookEventRepository) Record(ctx context.Context, event *domain.WebhookEvent) error {
	status := event.Status
	if status == "" {
		status = domain.WebhookEventStatusPending
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	payload := []byte(event.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var (
		id         uuid.UUID
		deliveries int
		paymentIDs []string
		extRef     sql.NullString
		moID       sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (
			id, event_type, action, resource_url, provider_object_id,
			correlation_key, merchant_order_id, payload, status, received_at, outcome
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_type, correlation_key) DO UPDATE SET
			action            = EXCLUDED.action,
			resource_url      = EXCLUDED.resource_url,
			payload           = EXCLUDED.payload,
			status            = EXCLUDED.status,
			outcome           = EXCLUDED.outcome,
			received_at       = EXCLUDED.received_at,
			merchant_order_id = COALESCE(EXCLUDED.merchant_order_id, webhook_events.merchant_order_id),
			next_attempt_at   = NULL,
			deliveries        = webhook_events.deliveries + 1
		RETURNING id, deliveries, payment_ids, external_reference, merchant_order_id`,
		uuid.New(), event.EventType, event.Action, event.ResourceURL, event.ProviderObjectID,
		event.CorrelationKey, event.MerchantOrderID, payload, status, receivedAt, event.Outcome,
	).Scan(&id, &deliveries, pq.Array(&paymentIDs), &extRef, &moID)
	if err != nil {
		return fmt.Errorf("Record: %w", err)
	}

	event.ID = id
	event.Deliveries = deliveries
	event.Status = status
	event.ReceivedAt = receivedAt
	event.PaymentIDs = paymentIDs
	event.ExternalReference = nullStringPtr(extRef)
	event.MerchantOrderID = nullStringPtr(moID)
	return nil
}

// AttachPayments writes the payment ids listed by the provider's merchant
// order onto the stored merchant_order row. This is the index that
// FindMerchantOrderFor searches.
func (r *WebhookEventRepository) AttachPayments(ctx context.Context, id uuid.UUID, merchantOrderID, externalReference string, paymentIDs []string) error {
	if paymentIDs == nil {
		paymentIDs = []string{}
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events
		SET merchant_order_id = $2, external_reference = NULLIF($3, ''), payment_ids = $4
		WHERE id = $1 AND event_type = $5`,
		id, merchantOrderID, externalReference, pq.Array(paymentIDs), domain.WebhookEventTypeMerchantOrder,
	)
	if err != nil {
		return fmt.Errorf("AttachPayments: %w", err)
	}
	return requireAffected(res, "AttachPayments")
}

// FindMerchantOrderFor returns the most recent merchant_order event whose
// provider order lists paymentID. Rows of other types, or merchant orders
// that do not reference the payment, are never returned.
func (r *WebhookEventRepository) FindMerchantOrderFor(ctx context.Context, paymentID string) (*domain.WebhookEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE event_type = $1 AND $2 = ANY(payment_ids)
		ORDER BY received_at DESC
		LIMIT 1`,
		domain.WebhookEventTypeMerchantOrder, paymentID,
	)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("FindMerchantOrderFor: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("FindMerchantOrderFor: %w", err)
	}
	return e, nil
}

// FindPaymentEvents returns stored payment events for any of the given
// provider payment ids.
func (r *WebhookEventRepository) FindPaymentEvents(ctx context.Context, paymentIDs []string) ([]domain.WebhookEvent, error) {
	if len(paymentIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE event_type = $1 AND provider_object_id = ANY($2)
		ORDER BY received_at`,
		domain.WebhookEventTypePayment, pq.Array(paymentIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("FindPaymentEvents: %w", err)
	}
	events, err := collectWebhookEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("FindPaymentEvents: %w", err)
	}
	return events, nil
}

// PurgeCycle deletes the merchant_order row and every payment row of one
// reconciliation cycle. It runs inside the transaction that marks the order
// notified.
func (r *WebhookEventRepository) PurgeCycle(ctx context.Context, tx *sql.Tx, merchantOrderID string, paymentIDs []string) (int64, error) {
	if paymentIDs == nil {
		paymentIDs = []string{}
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM webhook_events
		WHERE (event_type = $1 AND merchant_order_id = $2)
		   OR (event_type = $3 AND provider_object_id = ANY($4))`,
		domain.WebhookEventTypeMerchantOrder, merchantOrderID,
		domain.WebhookEventTypePayment, pq.Array(paymentIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("PurgeCycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PurgeCycle: rows affected: %w", err)
	}
	return n, nil
}

func (r *WebhookEventRepository) PurgeAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_events`)
	if err != nil {
		return 0, fmt.Errorf("PurgeAll: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PurgeAll: rows affected: %w", err)
	}
	return n, nil
}

// PurgeBefore removes events last delivered before cutoff that are not
// currently being processed.
func (r *WebhookEventRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1 AND status <> $2`,
		cutoff, domain.WebhookEventStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("PurgeBefore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PurgeBefore: rows affected: %w", err)
	}
	return n, nil
}

// ClaimPending moves up to limit pending events that are due, plus processing
// events whose claim is older than lease, into processing and returns them.
// Every claim bumps attempts, which MarkProcessed and Defer check.
func (r *WebhookEventRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.WebhookEvent, error) {
	// SKIP LOCKED lets several poller instances claim disjoint batches.
	rows, err := r.db.QueryContext(ctx,
		`UPDATE webhook_events
		SET status = $1, claimed_at = now(), attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE (status = $2 AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
			   OR (status = $1 AND claimed_at < now() - $3::float8 * interval '1 second')
			ORDER BY received_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+webhookEventColumns,
		domain.WebhookEventStatusProcessing, domain.WebhookEventStatusPending,
		lease.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ClaimPending: %w", err)
	}
	events, err := collectWebhookEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("ClaimPending: %w", err)
	}
	return events, nil
}

// Claim moves a single pending event into processing. It returns
// domain.ErrNotFound when the event is gone, someone else holds it, or its
// retry is not due yet.
func (r *WebhookEventRepository) Claim(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE webhook_events
		SET status = $1, claimed_at = now(), attempts = attempts + 1
		WHERE id = $2 AND status = $3
		  AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		RETURNING `+webhookEventColumns,
		domain.WebhookEventStatusProcessing, id, domain.WebhookEventStatusPending,
	)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Claim: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Claim: %w", err)
	}
	return e, nil
}

// MarkProcessed finishes the claim identified by attempts. It returns
// domain.ErrNotFound when that claim is no longer current: a redelivery put
// the row back to pending, or another worker has claimed it since.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, attempts int, status domain.WebhookEventStatus, outcome domain.Outcome) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = $1, outcome = $2, processed_at = now()
		WHERE id = $3 AND status = $4 AND attempts = $5`,
		status, outcome, id, domain.WebhookEventStatusProcessing, attempts,
	)
	if err != nil {
		return fmt.Errorf("MarkProcessed: %w", err)
	}
	return requireAffected(res, "MarkProcessed")
}

// Defer hands a claimed event back to the poller, not before delay has
// passed. The same claim check as MarkProcessed applies.
func (r *WebhookEventRepository) Defer(ctx context.Context, id uuid.UUID, attempts int, outcome domain.Outcome, delay time.Duration) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events
		SET status = $1, outcome = $2, next_attempt_at = now() + $3::float8 * interval '1 second'
		WHERE id = $4 AND status = $5 AND attempts = $6`,
		domain.WebhookEventStatusPending, outcome, delay.Seconds(),
		id, domain.WebhookEventStatusProcessing, attempts,
	)
	if err != nil {
		return fmt.Errorf("Defer: %w", err)
	}
	return requireAffected(res, "Defer")
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = $1`, id,
	)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return e, nil
}

func collectWebhookEvents(rows *sql.Rows) ([]domain.WebhookEvent, error) {
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return events, nil
}

func scanWebhookEvent(s scanner) (*domain.WebhookEvent, error) {
	var (
		e       domain.WebhookEvent
		objID   sql.NullString
		moID    sql.NullString
		extRef  sql.NullString
		payload []byte
	)
	err := s.Scan(
		&e.ID, &e.EventType, &e.Action, &e.ResourceURL, &objID,
		&e.CorrelationKey, &moID, &extRef, pq.Array(&e.PaymentIDs), &payload,
		&e.Status, &e.Outcome, &e.Deliveries, &e.Attempts, &e.ReceivedAt, &e.ClaimedAt, &e.ProcessedAt,
		&e.NextAttemptAt,
	)
	if err != nil {
		return nil, err
	}
	e.ProviderObjectID = nullStringPtr(objID)
	e.MerchantOrderID = nullStringPtr(moID)
	e.ExternalReference = nullStringPtr(extRef)
	e.Payload = payload
	return &e, nil
}
