package middleware

import (
	"net/http"
	"strings"

	"github.com/josh-kwaku/order-payment-webhooks/internal/auth"
	"github.com/josh-kwaku/order-payment-webhooks/internal/handler"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
)

// Auth admits checkout clients holding a token minted for the order context
// endpoint. The client id is put on the context and on the request logger.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			claims, err := auth.ValidateToken(token, secret)
			if err != nil {
				logging.FromContext(r.Context()).Warn("checkout token rejected", "error", err)
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			ctx := auth.ContextWithClientID(r.Context(), claims.ClientID)
			ctx, _ = logging.With(ctx, "client_id", claims.ClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
