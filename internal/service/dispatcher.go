package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
	"github.com/josh-kwaku/order-payment-webhooks/internal/metrics"
	"github.com/josh-kwaku/order-payment-webhooks/internal/notify"
)

// Dispatcher sends the payment confirmation at most once per merchant order.
//
// The send right is taken with a compare-and-swap on order_notifications
// before anything goes out, and the "notified" mark commits together with the
// purge of the cycle's events. The one window left is a crash after the
// notifier returned and before that commit: the claim stays in "sending" and,
// once the lease expires, a provider redelivery can claim it and send again.
// That duplicate is accepted; the order is never silently dropped.
type Dispatcher struct {
	claims   notificationClaims
	events   cyclePurger
	db       txRunner
	notifier notify.Notifier
	composer *notify.Composer
	lease    time.Duration
}

func NewDispatcher(
	claims notificationClaims,
	events cyclePurger,
	db txRunner,
	notifier notify.Notifier,
	composer *notify.Composer,
	lease time.Duration,
) *Dispatcher {
	return &Dispatcher{
		claims:   claims,
		events:   events,
		db:       db,
		notifier: notifier,
		composer: composer,
		lease:    lease,
	}
}

// DispatchIfApproved is a no-op for unapproved results. A missing order
// context aborts before the claim so nothing is marked or purged.
func (d *Dispatcher) DispatchIfApproved(ctx context.Context, result *domain.VerificationResult, orderCtx *domain.OrderContext) error {
	if !result.Approved() {
		return nil
	}
	log := logging.FromContext(ctx)
	order := result.Order

	if orderCtx == nil {
		return fmt.Errorf("DispatchIfApproved: merchant order %s: %w", order.ID, domain.ErrContextMissing)
	}

	msg := d.composer.Confirmation(orderCtx, result)
	if len(msg.To) == 0 {
		return fmt.Errorf("DispatchIfApproved: no recipients: %w", domain.ErrDispatchFailed)
	}

	if _, err := d.claims.Claim(ctx, order.ID, order.ExternalReference, d.lease); err != nil {
		if errors.Is(err, domain.ErrAlreadyNotified) {
			d.purgeRedelivered(ctx, order)
		}
		return fmt.Errorf("DispatchIfApproved: %w", err)
	}

	if err := d.notifier.Send(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		if mErr := d.claims.MarkFailed(context.WithoutCancel(ctx), order.ID, err.Error()); mErr != nil {
			log.Error("failed to release notification claim", "error", mErr, "merchant_order_id", order.ID)
		}
		return fmt.Errorf("DispatchIfApproved: %w: %w", domain.ErrDispatchFailed, err)
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()

	// The message is out; finish even if the caller is shutting down.
	finishCtx := context.WithoutCancel(ctx)
	err := d.db.WithTx(finishCtx, func(tx *sql.Tx) error {
		if err := d.claims.MarkNotified(finishCtx, tx, order.ID); err != nil {
			return err
		}
		purged, err := d.events.PurgeCycle(finishCtx, tx, order.ID, order.PaymentIDs())
		if err != nil {
			return err
		}
		log.Info("reconciliation cycle purged", "merchant_order_id", order.ID, "events", purged)
		return nil
	})
	if err != nil {
		log.Error("notification sent but not recorded; a redelivery after the claim lease may resend",
			"error", err,
			"merchant_order_id", order.ID,
			"lease", d.lease,
		)
	}
	return nil
}

// purgeRedelivered drops events that arrived again after the order was
// already notified, so redeliveries do not pile up.
func (d *Dispatcher) purgeRedelivered(ctx context.Context, order domain.MerchantOrder) {
	err := d.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := d.events.PurgeCycle(ctx, tx, order.ID, order.PaymentIDs())
		return err
	})
	if err != nil {
		logging.FromContext(ctx).Warn("failed to purge redelivered events", "error", err, "merchant_order_id", order.ID)
	}
}
