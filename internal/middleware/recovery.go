package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/josh-kwaku/order-payment-webhooks/internal/handler"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
)

// Recovery turns a panic into a 500. A panicking webhook request has not
// been acknowledged, so the provider will redeliver it.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log := logging.FromContext(r.Context())
				log.Error("panic recovered", "error", err, "path", r.URL.Path, "stack", string(debug.Stack()))
				handler.RespondAppError(w, handler.ErrInternalError, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
