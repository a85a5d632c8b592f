package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/order-payment-webhooks/internal/domain"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
	"github.com/josh-kwaku/order-payment-webhooks/internal/metrics"
)

// Client reads merchant orders from the payment provider's API.
type Client struct {
	baseURL       *url.URL
	resourceHosts map[string]struct{}
	accessToken   string
	httpClient    *http.Client
}

// NewClient builds a client for baseURL. Resource URLs from webhooks may also
// point at any of resourceHosts over https; merchant_order notifications name
// api.mercadolibre.com even when the API is reached through
// api.mercadopago.com.
func NewClient(baseURL, accessToken string, timeout time.Duration, resourceHosts ...string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("NewClient: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("NewClient: base url %q must be absolute", baseURL)
	}
	hosts := make(map[string]struct{}, len(resourceHosts))
	for _, h := range resourceHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = struct{}{}
		}
	}
	return &Client{
		baseURL:       u,
		resourceHosts: hosts,
		accessToken:   accessToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// MerchantOrderURL builds the resource URL for a merchant order id, for
// notifications that carry only the id.
func (c *Client) MerchantOrderURL(id string) string {
	return c.baseURL.String() + "/merchant_orders/" + url.PathEscape(id)
}

// ID accepts both JSON numbers and strings; the provider sends most ids as
// numbers but some notification formats quote them.
type ID string

func (f *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = ID(n.String())
	return nil
}

type merchantOrderResponse struct {
	ID                ID     `json:"id"`
	ExternalReference string `json:"external_reference"`
	Payments          []struct {
		ID                ID              `json:"id"`
		Status            string          `json:"status"`
		StatusDetail      string          `json:"status_detail"`
		TransactionAmount decimal.Decimal `json:"transaction_amount"`
	} `json:"payments"`
}

// GetMerchantOrder issues an authenticated GET against resourceURL. The URL
// must point at the configured base host or one of the resource hosts. Transport failures, timeouts,
// non-2xx answers and undecodable bodies are all reported as
// domain.ErrRemoteUnavailable.
func (c *Client) GetMerchantOrder(ctx context.Context, resourceURL string) (*domain.MerchantOrder, error) {
	log := logging.FromContext(ctx)

	if err := c.checkResource(resourceURL); err != nil {
		return nil, fmt.Errorf("GetMerchantOrder: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("GetMerchantOrder: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("GetMerchantOrder: send: %v: %w", err, domain.ErrRemoteUnavailable)
	}
	defer resp.Body.Close()

	log.Info("provider response received",
		"provider", "mercadopago",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ProviderRequestDuration.WithLabelValues("non_2xx").Observe(time.Since(start).Seconds())
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GetMerchantOrder: unexpected status %d: %s: %w",
			resp.StatusCode, string(respBody), domain.ErrRemoteUnavailable)
	}

	var body merchantOrderResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		metrics.ProviderRequestDuration.WithLabelValues("decode_error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("GetMerchantOrder: decode: %v: %w", err, domain.ErrRemoteUnavailable)
	}
	metrics.ProviderRequestDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	order := &domain.MerchantOrder{
		ID:                string(body.ID),
		ResourceURL:       resourceURL,
		ExternalReference: body.ExternalReference,
		Payments:          make([]domain.PaymentRecord, 0, len(body.Payments)),
	}
	for _, p := range body.Payments {
		order.Payments = append(order.Payments, domain.PaymentRecord{
			ID:           string(p.ID),
			Status:       domain.PaymentStatus(strings.ToLower(p.Status)),
			StatusDetail: p.StatusDetail,
			Amount:       p.TransactionAmount,
		})
	}
	if order.ID == "" {
		order.ID = LastPathSegment(resourceURL)
	}
	return order, nil
}

var errNotAbsolute = errors.New("resource url must be absolute")

// checkResource keeps the access token from being sent to hosts named by an
// unauthenticated webhook body.
func (c *Client) checkResource(resourceURL string) error {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrResourceForbidden)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%v: %w", errNotAbsolute, domain.ErrResourceForbidden)
	}
	if strings.EqualFold(u.Host, c.baseURL.Host) && strings.EqualFold(u.Scheme, c.baseURL.Scheme) {
		return nil
	}
	if _, ok := c.resourceHosts[strings.ToLower(u.Host)]; ok && strings.EqualFold(u.Scheme, "https") {
		return nil
	}
	return fmt.Errorf("host %q: %w", u.Host, domain.ErrResourceForbidden)
}

// LastPathSegment returns the trailing id of a resource URL such as
// https://api.mercadopago.com/merchant_orders/555.
func LastPathSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
