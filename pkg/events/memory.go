package events

import (
	"sort"
	"sync"
)

// DefaultFallbackCap is the per-session event cap for the in-memory log.
const DefaultFallbackCap = 1000

// memoryLog is the bounded in-memory event log used when the durable backend
// is unavailable. Each session's slice is kept sorted by event ID; when the
// cap is exceeded the oldest events are dropped first.
type memoryLog struct {
	mu   sync.RWMutex
	cap  int
	logs map[string][]Event
}

func newMemoryLog(capacity int) *memoryLog {
	if capacity <= 0 {
		capacity = DefaultFallbackCap
	}
	return &memoryLog{
		cap:  capacity,
		logs: make(map[string][]Event),
	}
}

func (m *memoryLog) append(sessionID string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logs[sessionID]
	// Concurrent producers may arrive out of timestamp order; insert at the
	// sorted position so reads never have to re-sort.
	i := sort.Search(len(log), func(i int) bool { return log[i].ID > ev.ID })
	log = append(log, Event{})
	copy(log[i+1:], log[i:])
	log[i] = ev

	if len(log) > m.cap {
		log = log[len(log)-m.cap:]
	}
	m.logs[sessionID] = log
}

func (m *memoryLog) after(sessionID, fromID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[sessionID]
	i := 0
	if fromID != "" {
		i = sort.Search(len(log), func(i int) bool { return log[i].ID > fromID })
	}
	out := make([]Event, len(log)-i)
	copy(out, log[i:])
	return out
}

func (m *memoryLog) cleanup(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, sessionID)
}
