package transport

import (
	"context"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"github.com/txn2/mcp-markdownify/pkg/events"
	"github.com/txn2/mcp-markdownify/pkg/session"
)

// lastEventIDHeader requests resumption from the event after the named one.
const lastEventIDHeader = "Last-Event-ID"

// HandleStream serves the long-lived session event stream. A request
// without a known session id establishes a fresh session; one with a known
// id resumes it, flushing every stored event after the Last-Event-ID marker
// before switching to live relay.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sess, _, err := h.resolveSession(r)
	if err != nil {
		h.logger.Error("transport: session resolution failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// The header must be set before the SSE upgrade writes the response head.
	w.Header().Set(session.IDHeader, sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := sse.Upgrade(w, r.WithContext(ctx))
	if err != nil {
		h.logger.Warn("transport: sse upgrade failed", "session_id", sess.ID, "error", err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	b := h.bind(sess.ID, cancel)
	defer h.unbind(b)

	h.relay(ctx, conn, b, func(fromID string) []events.Event {
		return h.store.After(ctx, sess.ID, fromID)
	}, r.Header.Get(lastEventIDHeader))
}

// HandleTaskStream serves a dedicated event stream scoped to one task, with
// the same resumability contract as the session stream.
func (h *Handler) HandleTaskStream(taskIDFromRequest func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := taskIDFromRequest(r)
		if taskID == "" {
			http.Error(w, "missing task id", http.StatusBadRequest)
			return
		}

		sess, _, err := h.resolveSession(r)
		if err != nil {
			h.logger.Error("transport: session resolution failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set(session.IDHeader, sess.ID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn, err := sse.Upgrade(w, r.WithContext(ctx))
		if err != nil {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		b := h.bindTask(sess.ID, taskID, cancel)
		defer h.unbindTask(taskID, b)

		h.relay(ctx, conn, b, func(fromID string) []events.Event {
			all := h.store.After(ctx, sess.ID, fromID)
			scoped := all[:0]
			for _, ev := range all {
				if eventTaskID(ev) == taskID {
					scoped = append(scoped, ev)
				}
			}
			return scoped
		}, r.Header.Get(lastEventIDHeader))
	}
}

// relay flushes the catch-up read and then forwards live events until the
// connection drops. Catch-up strictly precedes live relay; events arriving
// during catch-up wait in the binding's buffer, and the buffer was installed
// before the read, so nothing is missed in between.
func (h *Handler) relay(ctx context.Context, conn *sse.Session, b *binding, catchUp func(fromID string) []events.Event, fromID string) {
	lastSent := ""
	for _, ev := range catchUp(fromID) {
		if err := h.writeEvent(conn, ev); err != nil {
			h.logger.Debug("transport: connection lost during catch-up",
				"session_id", b.sessionID, "error", err)
			return
		}
		lastSent = ev.ID
	}

	for {
		select {
		case <-ctx.Done():
			// Client gone or superseded: the session suspends, it is not
			// torn down.
			h.logger.Debug("transport: connection suspended", "session_id", b.sessionID)
			return
		case ev := <-b.out:
			// A live event may duplicate the tail of the catch-up flush if
			// it was pushed while catch-up was reading. Skip anything at or
			// before the last flushed id.
			if lastSent != "" && ev.ID <= lastSent {
				continue
			}
			if err := h.writeEvent(conn, ev); err != nil {
				h.logger.Debug("transport: connection write failed",
					"session_id", b.sessionID, "error", err)
				return
			}
		}
	}
}

// writeEvent frames one stored event onto the wire: the SSE id carries the
// resumption marker, the SSE type carries the event type, and the data line
// carries the JSON payload.
func (h *Handler) writeEvent(conn *sse.Session, ev events.Event) error {
	msg := &sse.Message{}
	msg.ID = sse.ID(ev.ID)
	msg.Type = sse.Type(ev.Type)
	if len(ev.Data) > 0 {
		msg.AppendData(string(ev.Data))
	} else {
		msg.AppendData("{}")
	}
	if err := conn.Send(msg); err != nil {
		return err
	}
	return conn.Flush()
}
