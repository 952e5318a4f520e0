// Package middleware provides the HTTP request gate applied in front of
// the transport: authentication, rate limiting, and standard response
// headers. CORS is handled by the router's cors middleware.
package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const principalKey contextKey = "principal"

// RequestIDHeader is echoed back on every response for traceability.
const RequestIDHeader = "X-Request-Id"

// Principal identifies an authenticated caller.
type Principal struct {
	// Name is the subject of a verified JWT or the label of a matched
	// API key. Empty when authentication is disabled.
	Name string
}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// callerKey identifies the caller for rate limiting: the authenticated
// principal when present, the network origin otherwise.
func callerKey(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok && p.Name != "" {
		return "principal:" + p.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "origin:" + host
}

// RequestID echoes the caller's request id, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets standard hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}
