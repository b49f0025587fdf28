package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Middleware rejects requests without a valid bearer token and stores the
// verified claims on the request context.
type Middleware struct {
	cfg    Config
	bypass func(*http.Request) bool
}

// NewMiddleware builds a Middleware. Requests for which bypass returns true
// pass through unauthenticated; bypass may be nil.
func NewMiddleware(cfg Config, bypass func(*http.Request) bool) Middleware {
	return Middleware{cfg: cfg, bypass: bypass}
}

// Wrap guards next.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.bypass != nil && m.bypass(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.authenticate(r)
		if err != nil {
			reject(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) authenticate(r *http.Request) (*Claims, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, ErrNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrBadToken
	}
	return Parse(token, m.cfg)
}

// reject answers 401 without echoing verification details.
func reject(w http.ResponseWriter, err error) {
	detail := ErrBadToken.Error()
	if errors.Is(err, ErrNoToken) {
		detail = ErrNoToken.Error()
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="stepsync"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "detail": detail})
}
