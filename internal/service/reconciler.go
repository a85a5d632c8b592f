package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
	"github.com/josh-kwaku/order-payment-webhooks/internal/metrics"
)

// Reconciler turns one stored webhook event into at most one step forward for
// its merchant order:
//
//	merchant_order: index the order's payments, then reconcile it if one of
//	                those payments was already delivered
//	payment:        resolve the merchant order, verify with the provider,
//	                dispatch if approved
//
// Every failure mode that a provider redelivery can fix is reported as an
// outcome with a nil error. A non-nil error means the store itself failed.
type Reconciler struct {
	resolver   *Resolver
	verifier   *Verifier
	events     eventIndex
	contexts   orderContextReader
	dispatcher *Dispatcher
	orders     *keyedMutex
}

func NewReconciler(
	resolver *Resolver,
	verifier *Verifier,
	events eventIndex,
	contexts orderContextReader,
	dispatcher *Dispatcher,
) *Reconciler {
	return &Reconciler{
		resolver:   resolver,
		verifier:   verifier,
		events:     events,
		contexts:   contexts,
		dispatcher: dispatcher,
		orders:     newKeyedMutex(),
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, event *domain.WebhookEvent) (domain.Outcome, error) {
	ctx, log := logging.With(ctx,
		"webhook_event_id", event.ID,
		"event_type", event.EventType,
		"correlation_key", event.CorrelationKey,
	)

	var (
		outcome domain.Outcome
		err     error
	)
	switch event.EventType {
	case domain.WebhookEventTypeMerchantOrder:
		outcome, err = r.reconcileMerchantOrder(ctx, event)
	case domain.WebhookEventTypePayment:
		outcome, err = r.reconcilePayment(ctx, event)
	case domain.WebhookEventTypeUnknown:
		outcome = domain.OutcomeMalformed
	default:
		outcome = domain.OutcomeIgnored
	}

	metrics.ReconcileOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		log.Error("reconciliation failed", "outcome", outcome, "error", err)
	} else {
		log.Info("reconciliation finished", "outcome", outcome)
	}
	return outcome, err
}

func (r *Reconciler) reconcilePayment(ctx context.Context, event *domain.WebhookEvent) (domain.Outcome, error) {
	log := logging.FromContext(ctx)

	ref, err := r.resolver.Resolve(ctx, event)
	switch {
	case errors.Is(err, domain.ErrNotCorrelatable):
		log.Info("payment not correlatable yet, waiting for merchant order", "payment_id", event.ObjectID())
		return domain.OutcomeNotCorrelatable, nil
	case errors.Is(err, domain.ErrMalformedPayload):
		return domain.OutcomeMalformed, nil
	case err != nil:
		return domain.OutcomeStoreUnavailable, fmt.Errorf("reconcilePayment: %w", err)
	}

	ctx, _ = logging.With(ctx, "merchant_order_id", ref.MerchantOrderID)
	unlock := r.orders.Lock(ref.MerchantOrderID)
	defer unlock()

	result, err := r.verifier.Verify(ctx, ref.ResourceURL)
	if err != nil {
		return verifyFailure(ctx, err)
	}
	return r.settle(ctx, result)
}

func (r *Reconciler) reconcileMerchantOrder(ctx context.Context, event *domain.WebhookEvent) (domain.Outcome, error) {
	key := deref(event.MerchantOrderID)
	if key == "" {
		key = event.CorrelationKey
	}
	unlock := r.orders.Lock(key)
	defer unlock()

	order, err := r.resolver.Index(ctx, event)
	if err != nil {
		return verifyFailure(ctx, err)
	}
	ctx, log := logging.With(ctx, "merchant_order_id", order.ID)

	// A payment delivered before this merchant order was left uncorrelated;
	// finish it now instead of waiting for the provider to retry it.
	delivered, err := r.events.FindPaymentEvents(ctx, order.PaymentIDs())
	if err != nil {
		return domain.OutcomeStoreUnavailable, fmt.Errorf("reconcileMerchantOrder: %w", err)
	}
	if len(delivered) == 0 {
		log.Info("merchant order indexed", "payments", len(order.Payments))
		return domain.OutcomeIndexed, nil
	}

	return r.settle(ctx, Classify(order))
}

// settle dispatches an approved result with the order's checkout context.
func (r *Reconciler) settle(ctx context.Context, result *domain.VerificationResult) (domain.Outcome, error) {
	log := logging.FromContext(ctx)

	if !result.Approved() {
		log.Info("no approved payment", "payments", len(result.Order.Payments))
		return domain.OutcomeNotApproved, nil
	}

	orderCtx, err := r.contexts.Get(ctx, result.Order.ExternalReference)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeStoreUnavailable, fmt.Errorf("settle: %w", err)
	}

	err = r.dispatcher.DispatchIfApproved(ctx, result, orderCtx)
	switch {
	case err == nil:
		return domain.OutcomeNotified, nil
	case errors.Is(err, domain.ErrContextMissing):
		log.Error("approved payment but no order context; events kept for retry",
			"external_reference", result.Order.ExternalReference)
		return domain.OutcomeContextMissing, nil
	case errors.Is(err, domain.ErrAlreadyNotified), errors.Is(err, domain.ErrClaimLost):
		log.Info("order already notified or being notified", "reason", err)
		return domain.OutcomeAlreadyNotified, nil
	case errors.Is(err, domain.ErrDispatchFailed):
		log.Error("notification dispatch failed; events kept for retry", "error", err)
		return domain.OutcomeDispatchFailed, nil
	default:
		return domain.OutcomeStoreUnavailable, fmt.Errorf("settle: %w", err)
	}
}

func verifyFailure(ctx context.Context, err error) (domain.Outcome, error) {
	log := logging.FromContext(ctx)
	switch {
	case errors.Is(err, domain.ErrRemoteUnavailable):
		log.Warn("payment provider unavailable, waiting for redelivery", "error", err)
		return domain.OutcomeRemoteUnavailable, nil
	case errors.Is(err, domain.ErrResourceForbidden), errors.Is(err, domain.ErrMalformedPayload):
		log.Warn("merchant order resource rejected", "error", err)
		return domain.OutcomeMalformed, nil
	default:
		return domain.OutcomeStoreUnavailable, err
	}
}
