package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
)

type eventReconciler interface {
	Reconcile(ctx context.Context, event *domain.WebhookEvent) (domain.Outcome, error)
}

type ProcessorConfig struct {
	Workers   int
	QueueSize int
	Interval  time.Duration
	BatchSize int
	// Lease is how long a processing claim is honoured before the poller
	// takes the event back, e.g. after a crash mid-reconciliation.
	Lease time.Duration
	// RetryBackoff is the first delay before a transient failure is retried;
	// it doubles per attempt up to maxRetryDelay. MaxAttempts counts claims,
	// so 1 disables retries.
	RetryBackoff time.Duration
	MaxAttempts  int
}

const maxRetryDelay = time.Hour

// WebhookProcessor reconciles events off the request path. The handler
// enqueues fresh deliveries for the workers; the poller picks up whatever the
// queue missed: events stored while the queue was full, and events left in
// processing by a previous run. Transient failures are deferred back to the
// poller with a growing delay.
type WebhookProcessor struct {
	events     processingQueue
	reconciler eventReconciler
	logger     *slog.Logger
	cfg        ProcessorConfig
	queue      chan domain.WebhookEvent
}

func NewWebhookProcessor(events processingQueue, reconciler eventReconciler, logger *slog.Logger, cfg ProcessorConfig) *WebhookProcessor {
	cfg.Workers = max(cfg.Workers, 1)
	cfg.QueueSize = max(cfg.QueueSize, 1)
	cfg.BatchSize = max(cfg.BatchSize, 1)
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	return &WebhookProcessor{
		events:     events,
		reconciler: reconciler,
		logger:     logger,
		cfg:        cfg,
		queue:      make(chan domain.WebhookEvent, cfg.QueueSize),
	}
}

// Enqueue never blocks. It returns false when the queue is full.
func (p *WebhookProcessor) Enqueue(event domain.WebhookEvent) bool {
	select {
	case p.queue <- event:
		return true
	default:
		return false
	}
}

func (p *WebhookProcessor) Depth() int    { return len(p.queue) }
func (p *WebhookProcessor) Capacity() int { return cap(p.queue) }

// Start blocks until ctx is cancelled and every worker has returned.
func (p *WebhookProcessor) Start(ctx context.Context) {
	p.logger.Info("webhook processor started",
		"workers", p.cfg.Workers,
		"interval", p.cfg.Interval,
		"queue_size", p.cfg.QueueSize,
	)

	var wg sync.WaitGroup
	for range p.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.logger.Info("webhook processor stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *WebhookProcessor) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.queue:
			p.handleQueued(ctx, event)
		}
	}
}

// handleQueued claims a stored event before reconciling it so the poller, or
// another worker holding a redelivery of the same row, does not run it twice.
// Events that never reached the store are reconciled from memory.
func (p *WebhookProcessor) handleQueued(ctx context.Context, event domain.WebhookEvent) {
	if !event.Stored() {
		p.process(ctx, event)
		return
	}

	claimed, err := p.events.Claim(ctx, event.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.Debug("queued event already claimed", "webhook_event_id", event.ID)
			return
		}
		p.logger.Error("failed to claim queued event", "webhook_event_id", event.ID, "error", err)
		return
	}
	p.process(ctx, *claimed)
}

func (p *WebhookProcessor) poll(ctx context.Context) {
	events, err := p.events.ClaimPending(ctx, p.cfg.BatchSize, p.cfg.Lease)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to fetch pending webhook events", "error", err)
		}
		return
	}

	for _, event := range events {
		p.process(ctx, event)
	}
}

func (p *WebhookProcessor) process(ctx context.Context, event domain.WebhookEvent) {
	ctx = logging.WithLogger(ctx, p.logger)

	outcome, err := p.reconciler.Reconcile(ctx, &event)
	if !event.Stored() {
		return
	}
	if err != nil {
		// Left in processing; the poller retries it once the lease runs out.
		return
	}

	if transient(outcome) && event.Attempts < p.cfg.MaxAttempts {
		delay := retryDelay(p.cfg.RetryBackoff, event.Attempts)
		err := p.events.Defer(ctx, event.ID, event.Attempts, outcome, delay)
		p.finish(event, outcome, "defer", err)
		if err == nil {
			p.logger.Info("webhook event deferred",
				"webhook_event_id", event.ID,
				"outcome", outcome,
				"attempts", event.Attempts,
				"retry_in", delay,
			)
		}
		return
	}

	status := domain.WebhookEventStatusProcessed
	if outcome == domain.OutcomeMalformed {
		status = domain.WebhookEventStatusFailed
	}
	p.finish(event, outcome, "mark processed", p.events.MarkProcessed(ctx, event.ID, event.Attempts, status, outcome))
}

func (p *WebhookProcessor) finish(event domain.WebhookEvent, outcome domain.Outcome, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		// Purged by its own cycle, or superseded by a redelivery or a newer claim.
		p.logger.Debug("claim no longer current", "op", op, "webhook_event_id", event.ID, "outcome", outcome)
	default:
		p.logger.Error("failed to finish webhook event", "op", op, "webhook_event_id", event.ID, "error", err)
	}
}

// transient outcomes may succeed on a later attempt without a new delivery.
func transient(o domain.Outcome) bool {
	return o == domain.OutcomeRemoteUnavailable || o == domain.OutcomeDispatchFailed
}

func retryDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}
