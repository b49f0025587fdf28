// Package auth verifies the identity service's HS256 bearer tokens and
// carries the caller through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means the request carried no bearer token at all.
	ErrNoToken = errors.New("no bearer token")
	// ErrBadToken wraps every signature, issuer, expiry or shape failure.
	ErrBadToken = errors.New("bearer token rejected")
)

// Config names the shared HMAC secret and the expected issuer.
type Config struct {
	Secret string
	Issuer string
}

// Claims is the caller identity. PartnerID is empty until the user pairs.
type Claims struct {
	Subject   string
	PartnerID string
	Scopes    map[string]struct{}
}

// tokenClaims accepts scopes either as the space-delimited "scope" claim or
// as a "scopes" string or list.
type tokenClaims struct {
	PartnerID string           `json:"partner_id,omitempty"`
	Scope     string           `json:"scope,omitempty"`
	Scopes    jwt.ClaimStrings `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Parse verifies raw and returns the caller's claims.
func Parse(raw string, cfg Config) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoToken
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc,
		func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrBadToken)
	}

	claims := &Claims{Subject: tc.Subject, Scopes: make(map[string]struct{})}
	if tc.PartnerID != tc.Subject {
		claims.PartnerID = tc.PartnerID
	}
	for _, field := range append([]string{tc.Scope}, tc.Scopes...) {
		for _, scope := range strings.Fields(field) {
			claims.Scopes[scope] = struct{}{}
		}
	}
	return claims, nil
}

// HasScope reports whether the token granted scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// CanView reports whether the caller may read userID's steps: its own or
// its partner's.
func (c *Claims) CanView(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	return userID == c.Subject || (c.PartnerID != "" && userID == c.PartnerID)
}

type claimsKey struct{}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext returns the claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}
