package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/txn2/mcp-markdownify/pkg/session"
)

// sessionStatus is the JSON body of the status endpoint.
type sessionStatus struct {
	ID           string     `json:"id"`
	State        string     `json:"state"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// HandleSessionStatus reports the transport state of one session.
func (h *Handler) HandleSessionStatus(sessionIDFromRequest func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		status := sessionStatus{
			ID:    sessionID,
			State: h.SessionState(r.Context(), sessionID),
		}
		if sess, err := h.registry.Get(r.Context(), sessionID); err == nil && sess != nil {
			status.CreatedAt = &sess.CreatedAt
			status.LastActiveAt = &sess.LastActiveAt
			status.ExpiresAt = &sess.ExpiresAt
		}

		writeJSON(w, http.StatusOK, status)
	}
}

// HandleSessionEvents returns the stored event log for a session, filtered
// by an optional Last-Event-ID header. The log may outlive the session
// record, so no existence check gates this read.
func (h *Handler) HandleSessionEvents(sessionIDFromRequest func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		evs := h.store.After(r.Context(), sessionID, r.Header.Get(lastEventIDHeader))
		writeJSON(w, http.StatusOK, evs)
	}
}

// HandleDelete explicitly closes the session named by the Mcp-Session-Id
// header. The event log is retained for late resumption reads.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(session.IDHeader)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	h.closeSession(r.Context(), sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
