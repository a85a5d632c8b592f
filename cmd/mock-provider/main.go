// Command mock-provider stands in for the payment provider's merchant order
// API in local runs. Orders are seeded with PUT and read back with GET.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	env "github.com/caarlos0/env/v11"

	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
)

type mockConfig struct {
	Port        int    `env:"MOCK_PROVIDER_PORT" envDefault:"8081"`
	AccessToken string `env:"MERCADO_PAGO_ACCESS_TOKEN" envDefault:"test-token"`
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
}

type orderStore struct {
	mu     sync.RWMutex
	orders map[string]json.RawMessage
}

func main() {
	cfg, err := env.ParseAs[mockConfig]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Init("mock-provider", "info", cfg.AppEnv)

	store := &orderStore{orders: make(map[string]json.RawMessage)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /merchant_orders/{id}", store.get)
	mux.HandleFunc("PUT /merchant_orders/{id}", store.put)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("mock provider started", "addr", addr)
	if err := http.ListenAndServe(addr, requireBearer(cfg.AccessToken, mux)); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *orderStore) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.RLock()
	order, ok := s.orders[id]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "merchant order not found"})
		return
	}
	slog.Info("merchant order served", "merchant_order_id", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(order)
}

// put seeds an order. The stored id always matches the path.
func (s *orderStore) put(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	var order map[string]any
	if err := json.Unmarshal(body, &order); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "body must be a JSON object"})
		return
	}
	order["id"] = id
	normalized, _ := json.Marshal(order)

	s.mu.Lock()
	s.orders[id] = normalized
	s.mu.Unlock()

	slog.Info("merchant order seeded", "merchant_order_id", id)
	writeJSON(w, http.StatusOK, json.RawMessage(normalized))
}

func requireBearer(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid access token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
