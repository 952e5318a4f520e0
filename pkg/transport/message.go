package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/txn2/mcp-markdownify/pkg/events"
	"github.com/txn2/mcp-markdownify/pkg/session"
)

// maxMessageBytes bounds one inbound protocol message.
const maxMessageBytes = 4 << 20

// jsonRPCError is the wire shape of a protocol-level error response.
type jsonRPCError struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Error   jsonRPCDetail `json:"error"`
}

type jsonRPCDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes used by the transport boundary.
const (
	codeParseError    = -32700
	codeInternalError = -32603
)

// HandleMessage delivers one client-to-server protocol message and returns
// the engine's direct response. This is the non-streaming compatibility
// path; asynchronous events for the session still flow over the stream.
//
// An engine failure is translated into a JSON-RPC error carrying the
// original request id; it never terminates the session.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		writeJSONRPCError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON")
		return
	}

	sess, _, err := h.resolveSession(r)
	if err != nil {
		h.logger.Error("transport: session resolution failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(session.IDHeader, sess.ID)

	h.store.Append(r.Context(), sess.ID, events.New(events.TypeMessageReceived, map[string]any{
		"method": messageMethod(body),
	}))

	resp := h.dispatch(r, sess.ID, body)
	if resp == nil {
		// Notification: accepted, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		h.logger.Debug("transport: response write failed", "session_id", sess.ID, "error", err)
	}
}

// dispatch runs one message through the session's engine under the
// per-session in-flight lock. A panicking engine is contained here: the
// specific request gets an internal-error response and the session stays
// alive for subsequent requests.
func (h *Handler) dispatch(r *http.Request, sessionID string, body json.RawMessage) (resp json.RawMessage) {
	entry := h.engineFor(sessionID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("transport: engine panic contained",
				"session_id", sessionID, "panic", rec)
			resp = encodeJSONRPCError(messageID(body), codeInternalError,
				fmt.Sprintf("internal error: %v", rec))
		}
	}()

	return entry.eng.Handle(r.Context(), body)
}

func writeJSONRPCError(w http.ResponseWriter, status int, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encodeJSONRPCError(id, code, message))
}

func encodeJSONRPCError(id any, code int, message string) json.RawMessage {
	out, err := json.Marshal(jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   jsonRPCDetail{Code: code, Message: message},
	})
	if err != nil {
		return json.RawMessage(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

// messageID extracts the request correlation id from a raw message.
func messageID(body json.RawMessage) any {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// messageMethod extracts the method name for the message-received audit
// event. Payload contents stay out of the event log.
func messageMethod(body json.RawMessage) string {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Method
}
