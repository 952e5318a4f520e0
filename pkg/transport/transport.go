// Package transport multiplexes many MCP client sessions onto one process
// over streaming HTTP. It owns session establishment and resumption, binds
// each session to its protocol engine, relays protocol messages, and fans
// server-to-client events onto the live connection while persisting them
// through the event store so a dropped client can resume without gaps or
// replay.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/txn2/mcp-markdownify/pkg/events"
	"github.com/txn2/mcp-markdownify/pkg/progress"
	"github.com/txn2/mcp-markdownify/pkg/session"
)

// Engine is the per-session protocol engine. The transport treats it as a
// black box: one inbound JSON-RPC message in, zero or one response out.
// Engines are assumed not reentrant-safe; the transport serializes calls per
// session.
type Engine interface {
	// Handle processes one protocol message and returns the response, or nil
	// for notifications.
	Handle(ctx context.Context, msg json.RawMessage) json.RawMessage
}

// EngineFactory builds the engine bound to a new session.
type EngineFactory func(sessionID string) Engine

// Session states exposed by the status endpoint.
const (
	StateActive    = "active"
	StateSuspended = "suspended"
	StateClosed    = "closed"
)

// outBuffer is the per-connection event buffer. A full buffer drops the live
// push; the event is already persisted, so a slow client catches up on
// resume instead of stalling the producer.
const outBuffer = 64

// reapInterval is how often engines of expired sessions are released.
const reapInterval = time.Minute

// binding is one live connection's send side. Exactly one writer goroutine
// drains out, preserving event order on the wire.
type binding struct {
	sessionID string
	out       chan events.Event
	cancel    context.CancelFunc
}

// engineEntry holds a session's engine. mu enforces one in-flight protocol
// request per session.
type engineEntry struct {
	mu  sync.Mutex
	eng Engine
}

// Handler is the transport layer. It implements progress.Sink so the
// progress stream manager can push live events through it.
type Handler struct {
	registry  *session.Registry
	store     *events.Store
	streams   *progress.Manager
	newEngine EngineFactory
	logger    *slog.Logger

	mu           sync.Mutex
	bindings     map[string]*binding
	taskBindings map[string]map[string]*binding
	engines      map[string]*engineEntry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHandler creates the transport over its collaborators.
func NewHandler(registry *session.Registry, store *events.Store, streams *progress.Manager, factory EngineFactory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		registry:     registry,
		store:        store,
		streams:      streams,
		newEngine:    factory,
		logger:       logger,
		bindings:     make(map[string]*binding),
		taskBindings: make(map[string]map[string]*binding),
		engines:      make(map[string]*engineEntry),
		stop:         make(chan struct{}),
	}
	go h.reapLoop()
	return h
}

// reapLoop periodically releases engines whose session expired out of the
// registry without an explicit delete.
func (h *Handler) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.reapExpired(context.Background())
		case <-h.stop:
			return
		}
	}
}

// reapExpired closes every session that still holds transport state but whose
// registry record is gone. Sessions deleted via the HTTP DELETE path never
// reach here; this catches TTL expiry.
func (h *Handler) reapExpired(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.engines))
	for sessionID := range h.engines {
		ids = append(ids, sessionID)
	}
	h.mu.Unlock()

	for _, sessionID := range ids {
		sess, err := h.registry.Get(ctx, sessionID)
		if err != nil || sess != nil {
			continue
		}
		// Record is gone. A concurrent request may have just created a fresh
		// binding; resolveSession re-creates the record before binding, so a
		// still-missing record means the session is truly dead.
		h.closeSession(ctx, sessionID)
		h.logger.Info("transport: reaped expired session", "session_id", sessionID)
	}
}

// Push delivers an event to the session's live connection(s). Returns false
// when no live connection is attached; the caller relies on the event store
// for eventual delivery. Never blocks the producer.
func (h *Handler) Push(sessionID string, ev events.Event) bool {
	h.mu.Lock()
	b := h.bindings[sessionID]
	var tb *binding
	if byTask := h.taskBindings[sessionID]; byTask != nil {
		if taskID := eventTaskID(ev); taskID != "" {
			tb = byTask[taskID]
		}
	}
	h.mu.Unlock()

	delivered := false
	for _, target := range []*binding{b, tb} {
		if target == nil {
			continue
		}
		select {
		case target.out <- ev:
			delivered = true
		default:
			h.logger.Warn("transport: live buffer full, dropping push",
				"session_id", sessionID, "event_id", ev.ID)
		}
	}
	return delivered
}

// bind installs a live connection for the session, superseding any previous
// one ("latest connection wins"): the superseded connection is cancelled so
// two writers can never interleave frames for one session.
func (h *Handler) bind(sessionID string, cancel context.CancelFunc) *binding {
	b := &binding{
		sessionID: sessionID,
		out:       make(chan events.Event, outBuffer),
		cancel:    cancel,
	}

	h.mu.Lock()
	prev := h.bindings[sessionID]
	h.bindings[sessionID] = b
	h.mu.Unlock()

	if prev != nil {
		prev.cancel()
		h.logger.Debug("transport: superseded previous connection", "session_id", sessionID)
	}
	return b
}

// unbind removes the binding if it is still the session's current one. The
// session itself is retained; this is the ACTIVE to SUSPENDED transition.
func (h *Handler) unbind(b *binding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bindings[b.sessionID] == b {
		delete(h.bindings, b.sessionID)
	}
}

// bindTask installs a task-scoped live connection, same supersede policy.
func (h *Handler) bindTask(sessionID, taskID string, cancel context.CancelFunc) *binding {
	b := &binding{
		sessionID: sessionID,
		out:       make(chan events.Event, outBuffer),
		cancel:    cancel,
	}

	h.mu.Lock()
	byTask := h.taskBindings[sessionID]
	if byTask == nil {
		byTask = make(map[string]*binding)
		h.taskBindings[sessionID] = byTask
	}
	prev := byTask[taskID]
	byTask[taskID] = b
	h.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return b
}

func (h *Handler) unbindTask(taskID string, b *binding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byTask := h.taskBindings[b.sessionID]; byTask != nil && byTask[taskID] == b {
		delete(byTask, taskID)
		if len(byTask) == 0 {
			delete(h.taskBindings, b.sessionID)
		}
	}
}

// engineFor returns the session's engine entry, creating it lazily on first
// use. The engine survives suspension; resumption re-binds it without
// re-initialization.
func (h *Handler) engineFor(sessionID string) *engineEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.engines[sessionID]
	if !ok {
		entry = &engineEntry{eng: h.newEngine(sessionID)}
		h.engines[sessionID] = entry
	}
	return entry
}

// closeSession is the terminal transition: release the engine, drop the
// binding, close progress streams, and remove the registry record. The event
// log is left intact for the retention window.
func (h *Handler) closeSession(ctx context.Context, sessionID string) {
	h.mu.Lock()
	b := h.bindings[sessionID]
	delete(h.bindings, sessionID)
	byTask := h.taskBindings[sessionID]
	delete(h.taskBindings, sessionID)
	entry := h.engines[sessionID]
	delete(h.engines, sessionID)
	h.mu.Unlock()

	if b != nil {
		b.cancel()
	}
	for _, tb := range byTask {
		tb.cancel()
	}
	if entry != nil {
		if closer, ok := entry.eng.(interface{ Close() }); ok {
			closer.Close()
		}
	}

	h.streams.Cleanup(sessionID)
	if err := h.registry.Delete(ctx, sessionID); err != nil {
		h.logger.Debug("transport: session delete failed", "session_id", sessionID, "error", err)
	}
	h.logger.Debug("transport: session closed", "session_id", sessionID)
}

// Shutdown stops the reaper and cancels every live connection. Session
// records and event logs are left for their TTLs so clients can resume
// against a restarted process.
func (h *Handler) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	bindings := make([]*binding, 0, len(h.bindings))
	for _, b := range h.bindings {
		bindings = append(bindings, b)
	}
	for _, byTask := range h.taskBindings {
		for _, b := range byTask {
			bindings = append(bindings, b)
		}
	}
	h.bindings = make(map[string]*binding)
	h.taskBindings = make(map[string]map[string]*binding)
	h.mu.Unlock()

	for _, b := range bindings {
		b.cancel()
	}
}

// SessionState reports the session's transport state.
func (h *Handler) SessionState(ctx context.Context, sessionID string) string {
	h.mu.Lock()
	_, live := h.bindings[sessionID]
	h.mu.Unlock()
	if live {
		return StateActive
	}

	sess, err := h.registry.Get(ctx, sessionID)
	if err == nil && sess != nil {
		return StateSuspended
	}
	return StateClosed
}

// resolveSession loads the session named by the request header, creating a
// fresh record when the header is absent or names an unknown/expired
// session. Reusing a presented id keeps a retained event log addressable
// even after the registry record expired.
func (h *Handler) resolveSession(r *http.Request) (*session.Session, bool, error) {
	sessionID := r.Header.Get(session.IDHeader)
	if sessionID != "" {
		sess, err := h.registry.Get(r.Context(), sessionID)
		if err != nil {
			return nil, false, err
		}
		if sess != nil {
			return sess, false, nil
		}
	}

	if sessionID == "" {
		id, err := session.GenerateID()
		if err != nil {
			return nil, false, err
		}
		sessionID = id
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:           sessionID,
		UserID:       session.HashToken(session.ExtractToken(r)),
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(h.registry.TTL()),
		Metadata:     map[string]any{},
	}
	if err := h.registry.Create(r.Context(), sess); err != nil {
		return nil, false, err
	}

	h.store.Append(r.Context(), sessionID, events.New(events.TypeSessionStarted, map[string]any{
		"sessionId": sessionID,
	}))
	h.logger.Debug("transport: session created", "session_id", sessionID)
	return sess, true, nil
}

// eventTaskID extracts the taskId field from an event payload, or empty.
func eventTaskID(ev events.Event) string {
	if len(ev.Data) == 0 {
		return ""
	}
	var payload struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return ""
	}
	return payload.TaskID
}
