package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const checkoutIssuer = "order-payment-webhooks"

// Claims identify the checkout client allowed to submit order contexts.
type Claims struct {
	ClientID string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

const scopeOrderContext = "order_context:write"

func GenerateToken(clientID string, secret string, expiry time.Duration) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("GenerateToken: client id required")
	}
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    checkoutIssuer,
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Scope: scopeOrderContext,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("GenerateToken: %w", err)
	}
	return signed, nil
}

func ValidateToken(tokenString string, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(checkoutIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("ValidateToken: %w", err)
	}

	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("ValidateToken: invalid token claims")
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("ValidateToken: missing subject")
	}
	if tc.Scope != scopeOrderContext {
		return nil, fmt.Errorf("ValidateToken: scope %q not allowed", tc.Scope)
	}

	return &Claims{ClientID: tc.Subject}, nil
}
