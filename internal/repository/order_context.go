package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

// OrderContextRepository keeps one checkout context per order reference.
// Concurrent checkouts never share a slot.
type OrderContextRepository struct {
	db  *sql.DB
	ttl time.Duration
}

func NewOrderContextRepository(db *sql.DB, ttl time.Duration) *OrderContextRepository {
	return &OrderContextRepository{db: db, ttl: ttl}
}

// Set upserts the context for c.Reference. The last write for a reference
// wins and restarts its expiry.
func (r *OrderContextRepository) Set(ctx context.Context, c *domain.OrderContext) error {
	delivery, err := json.Marshal(c.Delivery)
	if err != nil {
		return fmt.Errorf("Set: marshal delivery: %w", err)
	}
	items := c.Items
	if items == nil {
		items = []domain.OrderItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("Set: marshal items: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(r.ttl)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO order_contexts (reference, delivery, items, shipping_cost, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference) DO UPDATE SET
			delivery      = EXCLUDED.delivery,
			items         = EXCLUDED.items,
			shipping_cost = EXCLUDED.shipping_cost,
			updated_at    = EXCLUDED.updated_at,
			expires_at    = EXCLUDED.expires_at`,
		c.Reference, delivery, itemsJSON, c.ShippingCost, now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("Set: %w", err)
	}

	c.UpdatedAt = now
	c.ExpiresAt = expiresAt
	return nil
}

// Get returns domain.ErrNotFound for unknown or expired references.
func (r *OrderContextRepository) Get(ctx context.Context, reference string) (*domain.OrderContext, error) {
	var (
		c        domain.OrderContext
		delivery []byte
		items    []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT reference, delivery, items, shipping_cost, updated_at, expires_at
		FROM order_contexts WHERE reference = $1 AND expires_at > now()`,
		reference,
	).Scan(&c.Reference, &delivery, &items, &c.ShippingCost, &c.UpdatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Get: %w", err)
	}

	if err := json.Unmarshal(delivery, &c.Delivery); err != nil {
		return nil, fmt.Errorf("Get: unmarshal delivery: %w", err)
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, fmt.Errorf("Get: unmarshal items: %w", err)
	}
	return &c, nil
}

func (r *OrderContextRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM order_contexts WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("PurgeExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PurgeExpired: rows affected: %w", err)
	}
	return n, nil
}
