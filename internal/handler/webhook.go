package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
	"github.com/josh-kwaku/order-payment-webhooks/internal/metrics"
)

type webhookEventRecorder interface {
	Record(ctx context.Context, event *domain.WebhookEvent) error
}

type reconcileQueue interface {
	Enqueue(event domain.WebhookEvent) bool
}

type WebhookHandler struct {
	events           webhookEventRecorder
	queue            reconcileQueue
	merchantOrderURL func(id string) string
	secret           string
}

// NewWebhookHandler wires the inbound endpoint. An empty secret disables
// x-signature verification.
func NewWebhookHandler(events webhookEventRecorder, queue reconcileQueue, merchantOrderURL func(id string) string, secret string) *WebhookHandler {
	return &WebhookHandler{
		events:           events,
		queue:            queue,
		merchantOrderURL: merchantOrderURL,
		secret:           secret,
	}
}

var ErrInvalidSignature = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}

// ReceiveMercadoPago acknowledges every delivery it can parse, whatever
// happens to reconciliation later. Only a body that is not JSON at all, or a
// bad signature, gets a non-2xx answer. Both are still recorded as failed.
func (h *WebhookHandler) ReceiveMercadoPago(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	query := r.URL.Query()
	event, parseErr := parseWebhook(body, query, h.merchantOrderURL)

	if h.secret != "" {
		dataID := query.Get("data.id")
		if dataID == "" && event != nil {
			dataID = event.ObjectID()
		}
		if !verifySignature(r.Header.Get("X-Signature"), r.Header.Get("X-Request-Id"), dataID, h.secret) {
			log.Warn("webhook signature verification failed")
			h.record(r.Context(), unverifiedEvent(body))
			RespondAppError(w, ErrInvalidSignature, nil)
			return
		}
	}

	if event == nil {
		log.Warn("unparsable webhook body", "error", parseErr)
		h.record(r.Context(), rawEvent(body))
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	stored := h.record(r.Context(), event)

	if errors.Is(parseErr, domain.ErrMalformedPayload) {
		log.Warn("malformed webhook acknowledged", "error", parseErr, "event_type", event.EventType)
		RespondSuccess(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	log.Info("webhook event received",
		"webhook_event_id", event.ID,
		"event_type", event.EventType,
		"correlation_key", event.CorrelationKey,
		"deliveries", event.Deliveries,
		"stored", stored,
	)

	if !h.queue.Enqueue(*event) {
		metrics.QueueDroppedTotal.Inc()
		if !stored {
			log.Error("webhook event lost: not stored and queue full", "event_type", event.EventType)
		}
	}

	status := "received"
	switch {
	case !stored:
		status = "accepted"
	case event.Deliveries > 1:
		status = "already_received"
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"status": status})
}

// record persists the event and reports whether it made it. A store failure
// is logged and the event continues in memory only.
func (h *WebhookHandler) record(ctx context.Context, event *domain.WebhookEvent) bool {
	err := h.events.Record(ctx, event)
	stored := err == nil
	metrics.WebhooksReceivedTotal.WithLabelValues(string(event.EventType), strconv.FormatBool(stored)).Inc()
	if err != nil {
		logging.FromContext(ctx).Error("failed to store webhook event",
			"error", err,
			"event_type", event.EventType,
			"correlation_key", event.CorrelationKey,
		)
	}
	return stored
}

// verifySignature checks the provider's x-signature header
// ("ts=<unix>,v1=<hex hmac>") against the manifest
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func verifySignature(header, requestID, dataID, secret string) bool {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	manifest := "id:" + strings.ToLower(dataID) + ";request-id:" + requestID + ";ts:" + ts + ";"
	return verifyHMAC([]byte(manifest), v1, secret)
}

func verifyHMAC(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
