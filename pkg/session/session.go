// Package session provides the session registry for the MCP markdownify
// server. A session is a logical, long-lived client context identified by an
// opaque id, independent of any single network connection. Records live in
// Redis with per-key TTL expiry and fall back to an in-memory store when the
// backend is degraded.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// IDHeader is the MCP session header name.
	IDHeader = "Mcp-Session-Id"

	// idBytes is the number of random bytes for session ID generation.
	idBytes = 16

	// DefaultTTL is the inactivity window before a session expires.
	DefaultTTL = time.Hour
)

// Session represents one client session record.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`

	// UserID identifies the session owner. For authenticated sessions this is
	// a hash of the bearer token; for anonymous sessions it is empty.
	UserID string `json:"user_id,omitempty"`

	// CreatedAt is when the session was established.
	CreatedAt time.Time `json:"created_at"`

	// LastActiveAt is the most recent activity timestamp.
	LastActiveAt time.Time `json:"last_active_at"`

	// ExpiresAt is when the session expires if not touched.
	ExpiresAt time.Time `json:"expires_at"`

	// Metadata holds extensible session data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store defines the interface for session persistence.
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by ID. Returns nil, nil if not found or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Touch updates LastActiveAt and extends ExpiresAt by the store's TTL.
	Touch(ctx context.Context, id string) error

	// UpdateMeta merges metadata into the session record and refreshes TTL.
	UpdateMeta(ctx context.Context, id string, meta map[string]any) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// Cleanup removes expired sessions.
	Cleanup(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}

// GenerateID creates a cryptographically random session ID.
func GenerateID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ExtractToken gets the bearer token from the Authorization header, falling
// back to the X-API-Key header.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return r.Header.Get("X-API-Key")
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// HashToken returns the SHA-256 hex digest of a token, or empty for empty
// tokens. Session records store the hash, never the token.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
