package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

const orderNotificationColumns = `merchant_order_id, external_reference, status, attempts,
	last_error, claimed_at, notified_at, created_at, updated_at`

// OrderNotificationRepository holds the per-order "notified" marker. Every
// transition is a conditional update so two workers racing on the same order
// cannot both win the right to send.
type OrderNotificationRepository struct {
	db *sql.DB
}

func NewOrderNotificationRepository(db *sql.DB) *OrderNotificationRepository {
	return &OrderNotificationRepository{db: db}
}

// Claim takes the send right for an order: a new row, a failed row, or a
// sending row whose claim is older than lease. It returns
// domain.ErrAlreadyNotified when the order was notified before and
// domain.ErrClaimLost when another worker holds a live claim.
func (r *OrderNotificationRepository) Claim(ctx context.Context, merchantOrderID, externalReference string, lease time.Duration) (*domain.OrderNotification, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO order_notifications (
			merchant_order_id, external_reference, status, attempts, claimed_at, created_at, updated_at
		) VALUES ($1, $2, $3, 1, now(), now(), now())
		ON CONFLICT (merchant_order_id) DO UPDATE SET
			status             = EXCLUDED.status,
			external_reference = EXCLUDED.external_reference,
			attempts           = order_notifications.attempts + 1,
			claimed_at         = now(),
			updated_at         = now()
		WHERE order_notifications.status = $4
		   OR (order_notifications.status = $3
		       AND order_notifications.claimed_at < now() - $5::float8 * interval '1 second')
		RETURNING `+orderNotificationColumns,
		merchantOrderID, externalReference, domain.NotificationStatusSending,
		domain.NotificationStatusFailed, lease.Seconds(),
	)
	n, err := scanOrderNotification(row)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Claim: %w", err)
	}

	current, err := r.Get(ctx, merchantOrderID)
	if err != nil {
		return nil, fmt.Errorf("Claim: %w", err)
	}
	if current.Status == domain.NotificationStatusNotified {
		return nil, fmt.Errorf("Claim: %w", domain.ErrAlreadyNotified)
	}
	return nil, fmt.Errorf("Claim: %w", domain.ErrClaimLost)
}

// MarkNotified completes a live claim inside the caller's transaction.
func (r *OrderNotificationRepository) MarkNotified(ctx context.Context, tx *sql.Tx, merchantOrderID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE order_notifications
		SET status = $1, notified_at = now(), last_error = NULL, updated_at = now()
		WHERE merchant_order_id = $2 AND status = $3`,
		domain.NotificationStatusNotified, merchantOrderID, domain.NotificationStatusSending,
	)
	if err != nil {
		return fmt.Errorf("MarkNotified: %w", err)
	}
	if err := requireAffected(res, "MarkNotified"); err != nil {
		return fmt.Errorf("MarkNotified: %w", domain.ErrClaimLost)
	}
	return nil
}

// MarkFailed releases a live claim after a failed send so a later delivery can
// claim it again.
func (r *OrderNotificationRepository) MarkFailed(ctx context.Context, merchantOrderID, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE order_notifications
		SET status = $1, last_error = $2, updated_at = now()
		WHERE merchant_order_id = $3 AND status = $4`,
		domain.NotificationStatusFailed, lastError, merchantOrderID, domain.NotificationStatusSending,
	)
	if err != nil {
		return fmt.Errorf("MarkFailed: %w", err)
	}
	return requireAffected(res, "MarkFailed")
}

func (r *OrderNotificationRepository) Get(ctx context.Context, merchantOrderID string) (*domain.OrderNotification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderNotificationColumns+` FROM order_notifications WHERE merchant_order_id = $1`,
		merchantOrderID,
	)
	n, err := scanOrderNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Get: %w", err)
	}
	return n, nil
}

func scanOrderNotification(s scanner) (*domain.OrderNotification, error) {
	var n domain.OrderNotification
	err := s.Scan(
		&n.MerchantOrderID, &n.ExternalReference, &n.Status, &n.Attempts,
		&n.LastError, &n.ClaimedAt, &n.NotifiedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
