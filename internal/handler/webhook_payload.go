package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/provider"
)

// webhookPayload covers both notification formats the provider sends: the
// webhook form ({type, action, data.id}) and the IPN form ({topic, resource}).
type webhookPayload struct {
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Data     struct {
		ID provider.ID `json:"id"`
	} `json:"data"`
}

// eventType picks the canonical type: body "type", then body "topic", then
// the same names in the query string.
func (p webhookPayload) eventType(q url.Values) domain.WebhookEventType {
	for _, v := range []string{p.Type, p.Topic, q.Get("type"), q.Get("topic")} {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			return domain.WebhookEventType(v)
		}
	}
	return ""
}

// objectID is the provider id the notification is about. data.id wins; a
// resource that is a bare id or a URL ending in one comes next.
func (p webhookPayload) objectID(q url.Values) string {
	return firstNonEmpty(
		string(p.Data.ID),
		resourceID(p.Resource),
		q.Get("data.id"),
		q.Get("id"),
	)
}

// parseWebhook turns a raw delivery into an event ready to be recorded.
// Bodies that are not JSON return an error and no event. Bodies that are
// JSON but lack what correlation needs return a failed event wrapped around
// domain.ErrMalformedPayload, so it still lands in the audit trail.
func parseWebhook(body []byte, q url.Values, merchantOrderURL func(id string) string) (*domain.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parseWebhook: %w", err)
	}

	event := &domain.WebhookEvent{
		EventType:  p.eventType(q),
		Action:     p.Action,
		Payload:    body,
		Status:     domain.WebhookEventStatusPending,
		ReceivedAt: time.Now().UTC(),
	}

	switch event.EventType {
	case domain.WebhookEventTypeMerchantOrder:
		resource := p.Resource
		if !isAbsoluteURL(resource) {
			resource = ""
			if id := p.objectID(q); id != "" {
				resource = merchantOrderURL(id)
			}
		}
		if resource == "" {
			return malformedEvent(event, body, "merchant_order without resource")
		}
		moID := provider.LastPathSegment(resource)
		event.ResourceURL = resource
		event.CorrelationKey = resource
		event.MerchantOrderID = &moID

	case domain.WebhookEventTypePayment:
		id := p.objectID(q)
		if id == "" {
			return malformedEvent(event, body, "payment without data.id")
		}
		event.ResourceURL = p.Resource
		event.ProviderObjectID = &id
		event.CorrelationKey = id

	case "":
		return malformedEvent(event, body, "missing type and topic")

	default:
		// Other topics are kept for the audit trail and otherwise ignored.
		event.ResourceURL = p.Resource
		event.CorrelationKey = firstNonEmpty(p.Resource, p.objectID(q))
		if event.CorrelationKey == "" {
			event.CorrelationKey = bodyKey(body)
		}
	}

	return event, nil
}

// rawEvent records a body that could not be parsed at all.
func rawEvent(body []byte) *domain.WebhookEvent {
	quoted, _ := json.Marshal(string(body))
	return &domain.WebhookEvent{
		EventType:      domain.WebhookEventTypeUnknown,
		CorrelationKey: bodyKey(body),
		Payload:        quoted,
		Status:         domain.WebhookEventStatusFailed,
		Outcome:        domain.OutcomeMalformed,
		ReceivedAt:     time.Now().UTC(),
	}
}

// unverifiedEvent records a delivery whose signature did not check out. It is
// kept apart from real events: its key never matches a provider id, and it
// carries no object id for correlation lookups to find.
func unverifiedEvent(body []byte) *domain.WebhookEvent {
	event := rawEvent(body)
	event.CorrelationKey = "unverified:" + bodyKey(body)
	event.Outcome = domain.OutcomeRejected
	return event
}

func malformedEvent(event *domain.WebhookEvent, body []byte, reason string) (*domain.WebhookEvent, error) {
	if event.EventType == "" {
		event.EventType = domain.WebhookEventTypeUnknown
	}
	event.CorrelationKey = bodyKey(body)
	event.Status = domain.WebhookEventStatusFailed
	event.Outcome = domain.OutcomeMalformed
	return event, fmt.Errorf("parseWebhook: %s: %w", reason, domain.ErrMalformedPayload)
}

func bodyKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func resourceID(resource string) string {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return ""
	}
	if isAbsoluteURL(resource) {
		return provider.LastPathSegment(resource)
	}
	if strings.ContainsAny(resource, "/?# ") {
		return ""
	}
	return resource
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
