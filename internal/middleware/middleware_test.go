package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/josh-kwaku/order-payment-webhooks/internal/auth"
)

const testSecret = "checkout-secret"

func TestAuth(t *testing.T) {
	valid, err := auth.GenerateToken("checkout-web", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := auth.GenerateToken("checkout-web", "other-secret", time.Hour)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantClient string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "checkout-web"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotClient string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotClient, _ = auth.ClientIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPut, "/api/v1/orders/ORD-1/context", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			Auth(testSecret)(next).ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantClient, gotClient)
		})
	}
}

func TestTracing_ReusesProviderRequestID(t *testing.T) {
	var seen string
	h := Tracing(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mercadopago", nil)
	req.Header.Set("X-Request-Id", "mp-req-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "mp-req-1", seen)
	assert.Equal(t, "mp-req-1", rr.Header().Get("X-Request-Id"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "mp-req-1", seen)
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestLogging_MatchedPatternLabel(t *testing.T) {
	mux := http.NewServeMux()
	var pattern string
	mux.HandleFunc("PUT /api/v1/orders/{ref}/context", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		pattern = routeLabel(r)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/api/v1/orders/ORD-1/context", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "PUT /api/v1/orders/{ref}/context", pattern)
}
