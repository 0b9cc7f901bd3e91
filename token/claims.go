// Package token reads claims out of backend-issued JWTs. Tokens are parsed
// without signature verification: the backend remains the authority on
// validity, the client only needs scheduling hints such as expiry.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token fields this client cares about.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

// Parse extracts claims from a compact JWT without verifying its signature.
func Parse(raw string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	out := &Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	return out, nil
}

// Expiry returns the exp claim of raw, or the zero time when the token
// cannot be parsed or carries no expiry.
func Expiry(raw string) time.Time {
	claims, err := Parse(raw)
	if err != nil {
		return time.Time{}
	}
	return claims.ExpiresAt
}
