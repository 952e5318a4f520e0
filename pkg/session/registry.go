package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/txn2/mcp-markdownify/pkg/redisconn"
)

// opTimeout bounds each durable-backend operation so a stalled Redis cannot
// stall session resolution.
const opTimeout = 3 * time.Second

// cleanupInterval is how often the fallback store sweeps expired sessions.
const cleanupInterval = time.Minute

// Registry is the session store used by the transport. It prefers the Redis
// backend (per-key TTL expiry) and degrades to the in-memory store when the
// backend is unreachable, so session continuity survives infrastructure
// outages at the cost of durability.
//
// Sessions created while degraded exist only in this process; that is the
// documented best-effort behavior, not an error.
type Registry struct {
	conn     *redisconn.Conn
	fallback *MemoryStore
	ttl      time.Duration
	logger   *slog.Logger
}

// NewRegistry creates a Registry over the supervised connection.
func NewRegistry(conn *redisconn.Conn, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	fallback := NewMemoryStore(ttl)
	fallback.StartCleanupRoutine(cleanupInterval)

	return &Registry{
		conn:     conn,
		fallback: fallback,
		ttl:      ttl,
		logger:   logger,
	}
}

// Create persists a new session record with current timestamps.
func (r *Registry) Create(ctx context.Context, sess *Session) error {
	if client, ok := r.conn.Client(); ok {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		store := &redisStore{client: client, ttl: r.ttl}
		err := store.create(opCtx, sess)
		if err == nil {
			r.conn.OK()
			return nil
		}
		r.logger.Warn("session: create failed, using fallback",
			"session_id", sess.ID, "error", err)
		r.conn.Fail(err)
	}
	return r.fallback.Create(ctx, sess)
}

// Get retrieves a session and refreshes its TTL as a side effect of the
// successful read. Returns nil, nil when the session is unknown or expired.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	if client, ok := r.conn.Client(); ok {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		store := &redisStore{client: client, ttl: r.ttl}
		sess, err := store.get(opCtx, id)
		if err == nil {
			r.conn.OK()
			if sess != nil {
				if terr := store.touch(opCtx, id); terr != nil {
					r.logger.Debug("session: touch failed", "session_id", id, "error", terr)
				}
			}
			return sess, nil
		}
		r.logger.Warn("session: get failed, using fallback", "session_id", id, "error", err)
		r.conn.Fail(err)
	}

	sess, err := r.fallback.Get(ctx, id)
	if err == nil && sess != nil {
		_ = r.fallback.Touch(ctx, id)
	}
	return sess, err
}

// UpdateMeta merges metadata and refreshes TTL.
func (r *Registry) UpdateMeta(ctx context.Context, id string, meta map[string]any) error {
	if client, ok := r.conn.Client(); ok {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		store := &redisStore{client: client, ttl: r.ttl}
		err := store.updateMeta(opCtx, id, meta)
		if err == nil {
			r.conn.OK()
			return nil
		}
		r.conn.Fail(err)
	}
	return r.fallback.UpdateMeta(ctx, id, meta)
}

// Delete removes the session record immediately. The session's event log is
// cleaned up separately; it outlives the record for late resumption reads.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if client, ok := r.conn.Client(); ok {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		store := &redisStore{client: client, ttl: r.ttl}
		if err := store.delete(opCtx, id); err != nil {
			r.conn.Fail(err)
		} else {
			r.conn.OK()
		}
	}
	return r.fallback.Delete(ctx, id)
}

// Healthy reports whether the durable backend is currently reachable.
func (r *Registry) Healthy() bool {
	return r.conn.Healthy()
}

// TTL returns the configured inactivity window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Close stops the fallback store's background routines.
func (r *Registry) Close() error {
	return r.fallback.Close()
}
