package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

type merchantOrderFetcher interface {
	GetMerchantOrder(ctx context.Context, resourceURL string) (*domain.MerchantOrder, error)
}

type eventIndex interface {
	FindMerchantOrderFor(ctx context.Context, paymentID string) (*domain.WebhookEvent, error)
	AttachPayments(ctx context.Context, id uuid.UUID, merchantOrderID, externalReference string, paymentIDs []string) error
	FindPaymentEvents(ctx context.Context, paymentIDs []string) ([]domain.WebhookEvent, error)
}

type cyclePurger interface {
	PurgeCycle(ctx context.Context, tx *sql.Tx, merchantOrderID string, paymentIDs []string) (int64, error)
}

type notificationClaims interface {
	Claim(ctx context.Context, merchantOrderID, externalReference string, lease time.Duration) (*domain.OrderNotification, error)
	MarkNotified(ctx context.Context, tx *sql.Tx, merchantOrderID string) error
	MarkFailed(ctx context.Context, merchantOrderID, lastError string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

type orderContextReader interface {
	Get(ctx context.Context, reference string) (*domain.OrderContext, error)
}

type processingQueue interface {
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.WebhookEvent, error)
	Claim(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, attempts int, status domain.WebhookEventStatus, outcome domain.Outcome) error
	Defer(ctx context.Context, id uuid.UUID, attempts int, outcome domain.Outcome, delay time.Duration) error
}

type retentionStore interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type expiringContexts interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
