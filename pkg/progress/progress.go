// Package progress turns a task's push-style progress callbacks into
// ordered, persisted, optionally-pushed session events. Persisting through
// the event store decouples the task's lifetime from any particular
// connection: a client that drops mid-transcription resumes the stream, and
// a task finishing after disconnect still leaves its events behind.
package progress

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/txn2/mcp-markdownify/pkg/events"
	"github.com/txn2/mcp-markdownify/pkg/tasks"
)

// Stage labels classified from task progress. Advisory only; terminal event
// types (complete/error) are the accurate signal.
const (
	StageStarting   = "starting"
	StageLoading    = "loading"
	StageProcessing = "processing"
	StageCompleted  = "completed"
)

// Sink pushes an event to a session's live connection, if one is attached.
// Push reports whether a live connection accepted the event; a false return
// is not an error, resumability via the event store is the fallback.
type Sink interface {
	Push(sessionID string, ev events.Event) bool
}

type streamKey struct {
	sessionID string
	taskID    string
}

// Manager registers one Stream per (session, task) pair.
type Manager struct {
	store  *events.Store
	logger *slog.Logger

	mu      sync.Mutex
	sink    Sink
	streams map[streamKey]*Stream
}

// NewManager creates a Manager persisting through store. The live-connection
// sink is attached later with SetSink, after the transport exists.
func NewManager(store *events.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		streams: make(map[streamKey]*Stream),
	}
}

// SetSink attaches the live-connection sink.
func (m *Manager) SetSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// CreateStream builds a stream bound to the (session, task) pair.
// Registering the same pair twice replaces the previous binding.
func (m *Manager) CreateStream(sessionID, taskID string) *Stream {
	key := streamKey{sessionID: sessionID, taskID: taskID}
	s := &Stream{
		manager:   m,
		sessionID: sessionID,
		taskID:    taskID,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.streams[key]; ok {
		prev.markClosed()
	}
	m.streams[key] = s
	return s
}

// StreamTask creates a stream for the pair, emits a "started" event, and
// relays the task's progress updates as classified progress events until the
// task reaches a terminal state. Returns the stream so the caller can close
// it early; the subscription is released when the task finishes or the
// stream is cleaned up.
func (m *Manager) StreamTask(ctx context.Context, sessionID string, mgr *tasks.Manager, taskID string) *Stream {
	s := m.CreateStream(sessionID, taskID)

	s.Send(ctx, events.TypeStarted, map[string]any{
		"taskId": taskID,
	})

	unsub := mgr.Subscribe(taskID, func(u tasks.Update) {
		switch {
		case u.Err != nil:
			s.Send(ctx, events.TypeError, map[string]any{
				"taskId": taskID,
				"error":  u.Err.Error(),
			})
		case u.Done:
			s.Send(ctx, events.TypeComplete, map[string]any{
				"taskId":   taskID,
				"progress": 100,
				"stage":    StageCompleted,
			})
		default:
			s.Send(ctx, events.TypeProgress, map[string]any{
				"taskId":   taskID,
				"progress": u.Progress,
				"message":  u.Message,
				"stage":    classifyStage(u.Progress, u.Message),
			})
		}
		if u.Done {
			s.Close()
		}
	})
	s.setOnClose(unsub)
	return s
}

// Cleanup closes every stream registered for the session. Idempotent; used
// on disconnect. Already-persisted events remain for resumable reads.
func (m *Manager) Cleanup(sessionID string) {
	m.mu.Lock()
	var closing []*Stream
	for key, s := range m.streams {
		if key.sessionID == sessionID {
			closing = append(closing, s)
			delete(m.streams, key)
		}
	}
	m.mu.Unlock()

	for _, s := range closing {
		s.markClosed()
	}
}

func (m *Manager) remove(s *Stream) {
	key := streamKey{sessionID: s.sessionID, taskID: s.taskID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[key] == s {
		delete(m.streams, key)
	}
}

func (m *Manager) currentSink() Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// Stream is the live coordination object for one (session, task) pair.
type Stream struct {
	manager   *Manager
	sessionID string
	taskID    string

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	onClose func()
}

// setOnClose installs the close hook, running it immediately if the stream
// already closed (the task may finish before the hook is registered).
func (s *Stream) setOnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = fn
	s.mu.Unlock()
}

// Send assigns the event a fresh id and timestamp, persists it, and pushes
// it over the session's live connection when one is attached. Persistence
// and push are independent best-effort steps: a dead connection does not
// block persistence and a degraded store does not block the push.
func (s *Stream) Send(ctx context.Context, eventType string, data any) events.Event {
	ev := events.New(eventType, data)

	s.manager.store.Append(ctx, s.sessionID, ev)

	if sink := s.manager.currentSink(); sink != nil {
		if !sink.Push(s.sessionID, ev) {
			s.manager.logger.Debug("progress: no live connection, event persisted only",
				"session_id", s.sessionID, "task_id", s.taskID, "event_id", ev.ID)
		}
	}
	return ev
}

// Close unregisters the stream. Idempotent; calling it twice produces no
// error and no duplicate side effects. Persisted events are not deleted.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.manager.remove(s)
		s.runOnClose()
	})
}

// markClosed marks a superseded or cleaned-up stream closed without touching
// the registry map, which the caller already updated.
func (s *Stream) markClosed() {
	s.closeOnce.Do(s.runOnClose)
}

func (s *Stream) runOnClose() {
	s.mu.Lock()
	s.closed = true
	fn := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// classifyStage derives a coarse stage label from the numeric progress and
// free-text message. Heuristic by design: a UX hint, not a correctness
// signal.
func classifyStage(progress float64, message string) string {
	msg := strings.ToLower(message)
	switch {
	case progress >= 100:
		return StageCompleted
	case strings.Contains(msg, "loading"), strings.Contains(msg, "initializing"):
		return StageLoading
	case strings.Contains(msg, "processing"), strings.Contains(msg, "transcribing"):
		return StageProcessing
	case progress > 0:
		return StageProcessing
	default:
		return StageStarting
	}
}
