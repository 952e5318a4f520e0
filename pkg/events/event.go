// Package events provides the durable, ordered, per-session event log that
// backs stream resumability. Events are written through a Store that prefers
// a Redis sorted set and degrades transparently to a bounded in-memory log
// when the backend is unreachable.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event type tags emitted by the transport and progress layers.
const (
	TypeSessionStarted  = "session-started"
	TypeMessageReceived = "message-received"
	TypeStarted         = "started"
	TypeProgress        = "progress"
	TypeError           = "error"
	TypeComplete        = "complete"
)

// Event is one immutable record in a session's log. Within a session events
// order by Timestamp, ties broken by ID; ULIDs encode the timestamp in their
// prefix, so lexicographic ID order is the canonical order.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New creates an event with a fresh ULID and the current time. Data must be
// JSON-serializable; marshal failures degrade to a null payload rather than
// blocking the producer.
func New(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
}

// idTime extracts the millisecond timestamp embedded in a ULID. Returns zero
// and false for ids that are not ULIDs (e.g. markers from an older client),
// in which case retrieval starts from the beginning of the retained log.
func idTime(id string) (int64, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return 0, false
	}
	return int64(parsed.Time()), true
}
