// Package access mints and checks the bearer tokens that guard the admin API.
package access

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ClaimsKey contextKey = "claims"

// TokenIssuer is the iss claim of every admin token.
const TokenIssuer = "frontdoor"

// ScopeAdmin grants read access to the admin API.
const ScopeAdmin = "admin"

type AdminClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// ClaimsFromContext returns the claims RequireToken stored on the request.
func ClaimsFromContext(ctx context.Context) (*AdminClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*AdminClaims)
	return claims, ok
}
