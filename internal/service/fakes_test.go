package service

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/notify"
)

// memEvents mirrors WebhookEventRepository's filtering rules in memory.
type memEvents struct {
	mu     sync.Mutex
	events map[uuid.UUID]*domain.WebhookEvent
	err    error
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[uuid.UUID]*domain.WebhookEvent)}
}

func (m *memEvents) record(e domain.WebhookEvent) *domain.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.EventType == e.EventType && existing.CorrelationKey == e.CorrelationKey {
			existing.Deliveries++
			existing.Status = domain.WebhookEventStatusPending
			cp := *existing
			return &cp
		}
	}
	e.ID = uuid.New()
	e.Deliveries = 1
	e.Status = domain.WebhookEventStatusPending
	e.ReceivedAt = time.Now()
	m.events[e.ID] = &e
	cp := e
	return &cp
}

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memEvents) FindMerchantOrderFor(_ context.Context, paymentID string) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var best *domain.WebhookEvent
	for _, e := range m.events {
		if e.EventType != domain.WebhookEventTypeMerchantOrder || !slices.Contains(e.PaymentIDs, paymentID) {
			continue
		}
		if best == nil || e.ReceivedAt.After(best.ReceivedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("FindMerchantOrderFor: %w", domain.ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (m *memEvents) AttachPayments(_ context.Context, id uuid.UUID, merchantOrderID, externalReference string, paymentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.EventType != domain.WebhookEventTypeMerchantOrder {
		return fmt.Errorf("AttachPayments: %w", domain.ErrNotFound)
	}
	e.MerchantOrderID = &merchantOrderID
	e.ExternalReference = &externalReference
	e.PaymentIDs = slices.Clone(paymentIDs)
	return nil
}

func (m *memEvents) FindPaymentEvents(_ context.Context, paymentIDs []string) ([]domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.WebhookEvent
	for _, e := range m.events {
		if e.EventType == domain.WebhookEventTypePayment && slices.Contains(paymentIDs, e.ObjectID()) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memEvents) PurgeCycle(_ context.Context, _ *sql.Tx, merchantOrderID string, paymentIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.events {
		isOrder := e.EventType == domain.WebhookEventTypeMerchantOrder && deref(e.MerchantOrderID) == merchantOrderID
		isPayment := e.EventType == domain.WebhookEventTypePayment && slices.Contains(paymentIDs, e.ObjectID())
		if isOrder || isPayment {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// memClaims is the compare-and-swap on order_notifications.
type memClaims struct {
	mu     sync.Mutex
	claims map[string]*domain.OrderNotification
}

func newMemClaims() *memClaims {
	return &memClaims{claims: make(map[string]*domain.OrderNotification)}
}

func (m *memClaims) Claim(_ context.Context, merchantOrderID, externalReference string, _ time.Duration) (*domain.OrderNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.claims[merchantOrderID]
	if !ok {
		n = &domain.OrderNotification{MerchantOrderID: merchantOrderID, ExternalReference: externalReference}
		m.claims[merchantOrderID] = n
	} else {
		switch n.Status {
		case domain.NotificationStatusNotified:
			return nil, fmt.Errorf("Claim: %w", domain.ErrAlreadyNotified)
		case domain.NotificationStatusSending:
			return nil, fmt.Errorf("Claim: %w", domain.ErrClaimLost)
		}
	}
	n.Status = domain.NotificationStatusSending
	n.Attempts++
	cp := *n
	return &cp, nil
}

func (m *memClaims) MarkNotified(_ context.Context, _ *sql.Tx, merchantOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.claims[merchantOrderID]
	if !ok || n.Status != domain.NotificationStatusSending {
		return fmt.Errorf("MarkNotified: %w", domain.ErrClaimLost)
	}
	n.Status = domain.NotificationStatusNotified
	return nil
}

func (m *memClaims) MarkFailed(_ context.Context, merchantOrderID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.claims[merchantOrderID]
	if !ok || n.Status != domain.NotificationStatusSending {
		return fmt.Errorf("MarkFailed: %w", domain.ErrNotFound)
	}
	n.Status = domain.NotificationStatusFailed
	n.LastError = &lastError
	return nil
}

func (m *memClaims) status(merchantOrderID string) domain.NotificationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.claims[merchantOrderID]; ok {
		return n.Status
	}
	return ""
}

type fakeTx struct{}

func (fakeTx) WithTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

// fakeProvider serves merchant orders by resource URL and records every URL
// it was asked for.
type fakeProvider struct {
	mu        sync.Mutex
	orders    map[string]*domain.MerchantOrder
	err       error
	requested []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{orders: make(map[string]*domain.MerchantOrder)}
}

func (f *fakeProvider) set(order *domain.MerchantOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[order.ResourceURL] = order
}

func (f *fakeProvider) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProvider) GetMerchantOrder(_ context.Context, resourceURL string) (*domain.MerchantOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, resourceURL)
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.orders[resourceURL]
	if !ok {
		return nil, fmt.Errorf("GetMerchantOrder: unexpected status 404: %w", domain.ErrRemoteUnavailable)
	}
	cp := *o
	cp.Payments = slices.Clone(o.Payments)
	return &cp, nil
}

func (f *fakeProvider) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requested)
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []notify.Message
	err   error
	delay time.Duration
}

func (f *fakeNotifier) Send(_ context.Context, msg notify.Message) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeNotifier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeNotifier) messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

type memContexts struct {
	mu       sync.Mutex
	contexts map[string]*domain.OrderContext
}

func newMemContexts() *memContexts {
	return &memContexts{contexts: make(map[string]*domain.OrderContext)}
}

func (m *memContexts) set(c *domain.OrderContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[c.Reference] = c
}

func (m *memContexts) Get(_ context.Context, reference string) (*domain.OrderContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[reference]
	if !ok {
		return nil, fmt.Errorf("Get: %w", domain.ErrNotFound)
	}
	return c, nil
}

const providerBase = "https://api.mercadopago.com"

func merchantOrder(id, ref string, payments ...domain.PaymentRecord) *domain.MerchantOrder {
	return &domain.MerchantOrder{
		ID:                id,
		ResourceURL:       providerBase + "/merchant_orders/" + id,
		ExternalReference: ref,
		Payments:          payments,
	}
}

func payment(id string, status domain.PaymentStatus, amount string) domain.PaymentRecord {
	return domain.PaymentRecord{ID: id, Status: status, Amount: decimal.RequireFromString(amount)}
}

func merchantOrderEvent(id string) domain.WebhookEvent {
	url := providerBase + "/merchant_orders/" + id
	return domain.WebhookEvent{
		EventType:       domain.WebhookEventTypeMerchantOrder,
		ResourceURL:     url,
		CorrelationKey:  url,
		MerchantOrderID: &id,
	}
}

func paymentEvent(id string) domain.WebhookEvent {
	return domain.WebhookEvent{
		EventType:        domain.WebhookEventTypePayment,
		ProviderObjectID: &id,
		CorrelationKey:   id,
	}
}

func orderContext(ref string) *domain.OrderContext {
	return &domain.OrderContext{
		Reference: ref,
		Delivery: domain.DeliveryData{
			Name:   "Ana Souza",
			Street: "Rua das Flores",
			Number: "42",
			City:   "São Paulo",
			State:  "SP",
			Email:  "ana@example.com",
		},
		Items: []domain.OrderItem{
			{Title: "Print A", Quantity: 1, UnitPrice: decimal.RequireFromString("150.00")},
		},
		ShippingCost: decimal.RequireFromString("20.00"),
	}
}

// harness wires a Reconciler against the in-memory fakes.
type harness struct {
	events   *memEvents
	claims   *memClaims
	provider *fakeProvider
	notifier *fakeNotifier
	contexts *memContexts
	rec      *Reconciler
}

func newHarness() *harness {
	h := &harness{
		events:   newMemEvents(),
		claims:   newMemClaims(),
		provider: newFakeProvider(),
		notifier: &fakeNotifier{},
		contexts: newMemContexts(),
	}
	h.rec = h.newReconciler()
	return h
}

// newReconciler builds another reconciler over the same stores, standing in
// for a second process.
func (h *harness) newReconciler() *Reconciler {
	dispatcher := NewDispatcher(h.claims, h.events, fakeTx{}, h.notifier, notify.NewComposer([]string{"loja@example.com"}), time.Minute)
	return NewReconciler(
		NewResolver(h.events, h.provider),
		NewVerifier(h.provider),
		h.events,
		h.contexts,
		dispatcher,
	)
}

// deliver records the event the way the handler does and reconciles it.
func (h *harness) deliver(rec *Reconciler, e domain.WebhookEvent) (domain.Outcome, error) {
	stored := h.events.record(e)
	return rec.Reconcile(context.Background(), stored)
}
