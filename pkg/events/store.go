package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/txn2/mcp-markdownify/pkg/redisconn"
)

// DefaultOpTimeout bounds each backend operation so a stalled Redis cannot
// stall request handling.
const DefaultOpTimeout = 3 * time.Second

// DefaultRetention is how long a session's event log is kept after its last
// write. It is intentionally longer than the session TTL so a late resume
// can still read the log after the session itself is reaped.
const DefaultRetention = 24 * time.Hour

// Config configures a Store.
type Config struct {
	// Retention is the event log TTL on the durable backend.
	Retention time.Duration

	// FallbackCap bounds the per-session in-memory log used in degraded mode.
	FallbackCap int

	// OpTimeout bounds each durable-backend operation.
	OpTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.FallbackCap <= 0 {
		c.FallbackCap = DefaultFallbackCap
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
}

// Store is the session-scoped event log. It prefers the durable Redis
// backend and transparently routes to a bounded in-memory log while the
// backend is degraded. No method surfaces a backend outage to the caller;
// availability of the log is independent of the backend's availability.
type Store struct {
	conn      *redisconn.Conn
	fallback  *memoryLog
	retention time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewStore creates a Store over the supervised connection. The connection
// may already be degraded; the store works either way.
func NewStore(conn *redisconn.Conn, cfg Config, logger *slog.Logger) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conn:      conn,
		fallback:  newMemoryLog(cfg.FallbackCap),
		retention: cfg.Retention,
		opTimeout: cfg.OpTimeout,
		logger:    logger,
	}
}

// Append adds one event to the session's log. Safe for concurrent producers;
// final read order is by event ID, not call order. A backend failure is
// logged, counted against the connection, and absorbed by the in-memory
// fallback so the event is never lost to the caller.
func (s *Store) Append(ctx context.Context, sessionID string, ev Event) {
	client, ok := s.conn.Client()
	if !ok {
		s.fallback.append(sessionID, ev)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	log := &redisLog{client: client, retention: s.retention}
	if err := log.append(opCtx, sessionID, ev); err != nil {
		s.logger.Warn("events: append failed, using fallback",
			"session_id", sessionID, "event_id", ev.ID, "error", err)
		s.conn.Fail(err)
		s.fallback.append(sessionID, ev)
		return
	}
	s.conn.OK()
}

// After returns the session's events ordered strictly after fromID, or the
// full retained log when fromID is empty or unrecognized. Unknown sessions
// yield an empty slice, never an error.
//
// Reads always merge the in-memory fallback into the durable log: events
// absorbed by the fallback during a degraded window stay visible to a
// resuming client after the backend recovers.
func (s *Store) After(ctx context.Context, sessionID, fromID string) []Event {
	if fromID != "" {
		if _, ok := idTime(fromID); !ok {
			fromID = ""
		}
	}

	absorbed := s.fallback.after(sessionID, fromID)

	client, ok := s.conn.Client()
	if !ok {
		return absorbed
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	log := &redisLog{client: client, retention: s.retention}
	evs, err := log.after(opCtx, sessionID, fromID)
	if err != nil {
		s.logger.Warn("events: read failed, using fallback",
			"session_id", sessionID, "error", err)
		s.conn.Fail(err)
		return absorbed
	}
	s.conn.OK()
	return mergeByID(evs, absorbed)
}

// mergeByID merges two ID-sorted event slices, dropping duplicates. Event IDs
// sort lexicographically by creation time, so the result preserves log order.
func mergeByID(a, b []Event) []Event {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}

	out := make([]Event, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].ID < b[j].ID:
			out = append(out, a[i])
			i++
		case a[i].ID > b[j].ID:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// Cleanup deletes the session's entire log. Idempotent.
func (s *Store) Cleanup(ctx context.Context, sessionID string) {
	s.fallback.cleanup(sessionID)

	client, ok := s.conn.Client()
	if !ok {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	log := &redisLog{client: client, retention: s.retention}
	if err := log.cleanup(opCtx, sessionID); err != nil {
		s.logger.Warn("events: cleanup failed", "session_id", sessionID, "error", err)
		s.conn.Fail(err)
		return
	}
	s.conn.OK()
}

// Healthy reports whether the durable backend is currently reachable.
func (s *Store) Healthy() bool {
	return s.conn.Healthy()
}
