package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
)

// memQueue is a processingQueue over a fixed set of stored events.
type memQueue struct {
	mu        sync.Mutex
	events    map[uuid.UUID]*domain.WebhookEvent
	processed map[uuid.UUID]domain.Outcome
	deferred  map[uuid.UUID]time.Duration
}

func newMemQueue(events ...domain.WebhookEvent) *memQueue {
	q := &memQueue{
		events:    make(map[uuid.UUID]*domain.WebhookEvent),
		processed: make(map[uuid.UUID]domain.Outcome),
		deferred:  make(map[uuid.UUID]time.Duration),
	}
	for i := range events {
		e := events[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.Status = domain.WebhookEventStatusPending
		q.events[e.ID] = &e
	}
	return q
}

func (q *memQueue) ClaimPending(_ context.Context, limit int, _ time.Duration) ([]domain.WebhookEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.WebhookEvent
	for _, e := range q.events {
		if len(out) == limit {
			break
		}
		if e.Status == domain.WebhookEventStatusPending && e.NextAttemptAt == nil {
			e.Status = domain.WebhookEventStatusProcessing
			e.Attempts++
			out = append(out, *e)
		}
	}
	return out, nil
}

func (q *memQueue) Claim(_ context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.events[id]
	if !ok || e.Status != domain.WebhookEventStatusPending || e.NextAttemptAt != nil {
		return nil, domain.ErrNotFound
	}
	e.Status = domain.WebhookEventStatusProcessing
	e.Attempts++
	cp := *e
	return &cp, nil
}

func (q *memQueue) MarkProcessed(_ context.Context, id uuid.UUID, attempts int, status domain.WebhookEventStatus, outcome domain.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.events[id]
	if !ok || e.Status != domain.WebhookEventStatusProcessing || e.Attempts != attempts {
		return domain.ErrNotFound
	}
	e.Status = status
	q.processed[id] = outcome
	return nil
}

func (q *memQueue) Defer(_ context.Context, id uuid.UUID, attempts int, outcome domain.Outcome, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.events[id]
	if !ok || e.Status != domain.WebhookEventStatusProcessing || e.Attempts != attempts {
		return domain.ErrNotFound
	}
	next := time.Now().Add(delay)
	e.Status = domain.WebhookEventStatusPending
	e.Outcome = outcome
	e.NextAttemptAt = &next
	q.deferred[id] = delay
	return nil
}

// redeliver mimics Record on an existing row.
func (q *memQueue) redeliver(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.events[id]
	e.Status = domain.WebhookEventStatusPending
	e.NextAttemptAt = nil
}

func (q *memQueue) deferral(id uuid.UUID) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.deferred[id]
	return d, ok
}

func (q *memQueue) status(id uuid.UUID) domain.WebhookEventStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events[id].Status
}

type stubReconciler struct {
	mu      sync.Mutex
	outcome domain.Outcome
	err     error
	seen    []string
}

func (s *stubReconciler) Reconcile(_ context.Context, e *domain.WebhookEvent) (domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, e.CorrelationKey)
	return s.outcome, s.err
}

func (s *stubReconciler) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runProcessor(t *testing.T, p *WebhookProcessor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWebhookProcessor_PollsPendingEvents(t *testing.T) {
	e := paymentEvent("999")
	q := newMemQueue(e)
	var id uuid.UUID
	for k := range q.events {
		id = k
	}
	rec := &stubReconciler{outcome: domain.OutcomeNotCorrelatable}

	p := NewWebhookProcessor(q, rec, discardLogger(), ProcessorConfig{Workers: 1, Interval: time.Hour, BatchSize: 10})
	runProcessor(t, p)

	require.Eventually(t, func() bool {
		return q.status(id) == domain.WebhookEventStatusProcessed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"999"}, rec.calls())
}

func TestWebhookProcessor_QueuedEventIsClaimedOnce(t *testing.T) {
	q := newMemQueue()
	rec := &stubReconciler{outcome: domain.OutcomeIndexed}
	p := NewWebhookProcessor(q, rec, discardLogger(), ProcessorConfig{Workers: 2, QueueSize: 8, Interval: time.Hour})
	runProcessor(t, p)

	// Stored after the initial poll, as the handler would.
	e := merchantOrderEvent("555")
	e.ID = uuid.New()
	e.Status = domain.WebhookEventStatusPending
	q.mu.Lock()
	q.events[e.ID] = &e
	q.mu.Unlock()

	require.True(t, p.Enqueue(e))
	require.True(t, p.Enqueue(e))

	require.Eventually(t, func() bool {
		return q.status(e.ID) == domain.WebhookEventStatusProcessed
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.calls(), 1)
}

func TestWebhookProcessor_MalformedMarkedFailed(t *testing.T) {
	e := domain.WebhookEvent{EventType: domain.WebhookEventTypeUnknown, CorrelationKey: "sha256:abc"}
	q := newMemQueue(e)
	var id uuid.UUID
	for k := range q.events {
		id = k
	}
	p := NewWebhookProcessor(q, &stubReconciler{outcome: domain.OutcomeMalformed}, discardLogger(),
		ProcessorConfig{Workers: 1, Interval: time.Hour})
	runProcessor(t, p)

	require.Eventually(t, func() bool {
		return q.status(id) == domain.WebhookEventStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookProcessor_StoreErrorLeavesEventProcessing(t *testing.T) {
	e := paymentEvent("999")
	q := newMemQueue(e)
	var id uuid.UUID
	for k := range q.events {
		id = k
	}
	rec := &stubReconciler{outcome: domain.OutcomeStoreUnavailable, err: errors.New("connection reset")}
	p := NewWebhookProcessor(q, rec, discardLogger(), ProcessorConfig{Workers: 1, Interval: time.Hour})
	runProcessor(t, p)

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.WebhookEventStatusProcessing, q.status(id))
}

func TestWebhookProcessor_TransientOutcomesDeferred(t *testing.T) {
	for _, outcome := range []domain.Outcome{domain.OutcomeRemoteUnavailable, domain.OutcomeDispatchFailed} {
		t.Run(string(outcome), func(t *testing.T) {
			q := newMemQueue(paymentEvent("999"))
			var id uuid.UUID
			for k := range q.events {
				id = k
			}
			p := NewWebhookProcessor(q, &stubReconciler{outcome: outcome}, discardLogger(), ProcessorConfig{
				Workers:      1,
				Interval:     time.Hour,
				RetryBackoff: 10 * time.Second,
				MaxAttempts:  3,
			})
			runProcessor(t, p)

			require.Eventually(t, func() bool {
				_, ok := q.deferral(id)
				return ok
			}, 2*time.Second, 10*time.Millisecond)
			delay, _ := q.deferral(id)
			assert.Equal(t, 10*time.Second, delay)
			assert.Equal(t, domain.WebhookEventStatusPending, q.status(id))
		})
	}
}

func TestWebhookProcessor_GivesUpAfterMaxAttempts(t *testing.T) {
	e := paymentEvent("999")
	e.Attempts = 2
	q := newMemQueue(e)
	var id uuid.UUID
	for k := range q.events {
		id = k
	}
	p := NewWebhookProcessor(q, &stubReconciler{outcome: domain.OutcomeRemoteUnavailable}, discardLogger(), ProcessorConfig{
		Workers:     1,
		Interval:    time.Hour,
		MaxAttempts: 3,
	})
	runProcessor(t, p)

	require.Eventually(t, func() bool {
		return q.status(id) == domain.WebhookEventStatusProcessed
	}, 2*time.Second, 10*time.Millisecond)
	_, deferred := q.deferral(id)
	assert.False(t, deferred)
}

func TestWebhookProcessor_StaleClaimDoesNotFinishNewerClaim(t *testing.T) {
	e := paymentEvent("999")
	q := newMemQueue(e)
	var id uuid.UUID
	for k := range q.events {
		id = k
	}
	ctx := context.Background()

	first, err := q.Claim(ctx, id)
	require.NoError(t, err)
	q.redeliver(id)
	second, err := q.Claim(ctx, id)
	require.NoError(t, err)

	p := NewWebhookProcessor(q, &stubReconciler{outcome: domain.OutcomeNotCorrelatable}, discardLogger(), ProcessorConfig{})
	p.process(ctx, *first)
	assert.Equal(t, domain.WebhookEventStatusProcessing, q.status(id), "older claim must not finish the row")

	p.process(ctx, *second)
	assert.Equal(t, domain.WebhookEventStatusProcessed, q.status(id))
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{4, 4 * time.Minute},
		{8, maxRetryDelay},
		{40, maxRetryDelay},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, retryDelay(30*time.Second, tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestWebhookProcessor_InMemoryEventReconciled(t *testing.T) {
	q := newMemQueue()
	rec := &stubReconciler{outcome: domain.OutcomeNotified}
	p := NewWebhookProcessor(q, rec, discardLogger(), ProcessorConfig{Workers: 1, Interval: time.Hour})
	runProcessor(t, p)

	require.True(t, p.Enqueue(paymentEvent("999")))
	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, q.processed)
}

func TestWebhookProcessor_EnqueueNeverBlocks(t *testing.T) {
	p := NewWebhookProcessor(newMemQueue(), &stubReconciler{}, discardLogger(), ProcessorConfig{QueueSize: 2, Interval: time.Hour})

	assert.True(t, p.Enqueue(paymentEvent("1")))
	assert.True(t, p.Enqueue(paymentEvent("2")))
	assert.False(t, p.Enqueue(paymentEvent("3")))
	assert.Equal(t, 2, p.Depth())
	assert.Equal(t, 2, p.Capacity())
}

type stubRetention struct {
	cutoff  time.Time
	purged  int64
	err     error
	expired int64
}

func (s *stubRetention) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.purged, s.err
}

func (s *stubRetention) PurgeExpired(context.Context) (int64, error) {
	return s.expired, nil
}

func TestJanitor_RunOnce(t *testing.T) {
	store := &stubRetention{purged: 3, expired: 1}
	j := NewJanitor(store, store, 24*time.Hour, time.Hour, discardLogger())

	require.NoError(t, j.RunOnce(context.Background()))
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), store.cutoff, time.Minute)

	store.err = errors.New("db down")
	assert.Error(t, j.RunOnce(context.Background()))
}
