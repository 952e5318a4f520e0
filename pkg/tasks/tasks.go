// Package tasks tracks long-running asynchronous work such as audio
// transcription. A task's identity is independent of the session that
// started it: connection loss does not cancel the work, and its result stays
// retrievable by polling after the session is gone.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status values for a task.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is a snapshot of one unit of async work.
type Task struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update is one progress notification delivered to subscribers.
type Update struct {
	TaskID   string
	Progress float64
	Message  string
	Err      error
	Done     bool
}

// WorkFunc performs the task's work, reporting progress through report.
// The returned string becomes the task result.
type WorkFunc func(ctx context.Context, report func(progress float64, message string)) (string, error)

type taskState struct {
	task        Task
	subscribers map[int]func(Update)
	nextSub     int
}

// Manager owns task state and fans progress out to subscribers. Callbacks
// for one task are invoked in report order; the reporting goroutine is the
// single producer, so no reordering can occur.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewManager creates an empty task manager.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*taskState)}
}

// Register creates a queued task without starting work. Splitting creation
// from Start lets the caller attach subscribers before the first progress
// report; work started before a subscriber attaches would report into the
// void.
func (m *Manager) Register() Task {
	now := time.Now().UTC()
	task := Task{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.tasks[task.ID] = &taskState{task: task, subscribers: make(map[int]func(Update))}
	m.mu.Unlock()
	return task
}

// Start launches the registered task's work in a goroutine. The work context
// is detached from any request: disconnecting a client must not cancel a
// transcription in flight.
func (m *Manager) Start(taskID string, work WorkFunc) {
	go m.execute(taskID, work)
}

// Run registers a new task and starts work immediately. Returns the queued
// task snapshot. Callers that need to observe every progress report should
// Register, subscribe, then Start instead.
func (m *Manager) Run(work WorkFunc) Task {
	task := m.Register()
	m.Start(task.ID, work)
	return task
}

// Get returns a snapshot of the task, or false if unknown.
func (m *Manager) Get(taskID string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return st.task, true
}

// Subscribe registers fn for the task's progress updates. The returned
// function unsubscribes and is safe to call more than once. Subscribing to a
// finished task immediately delivers a terminal update so late subscribers
// are not left waiting.
func (m *Manager) Subscribe(taskID string, fn func(Update)) (unsubscribe func()) {
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return func() {}
	}

	if st.task.Status == StatusCompleted || st.task.Status == StatusFailed {
		update := terminalUpdate(st.task)
		m.mu.Unlock()
		fn(update)
		return func() {}
	}

	id := st.nextSub
	st.nextSub++
	st.subscribers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if st, ok := m.tasks[taskID]; ok {
				delete(st.subscribers, id)
			}
		})
	}
}

func (m *Manager) execute(taskID string, work WorkFunc) {
	m.publish(taskID, Update{TaskID: taskID, Progress: 0, Message: "queued"}, StatusProcessing)

	result, err := work(context.Background(), func(progress float64, message string) {
		m.publish(taskID, Update{TaskID: taskID, Progress: progress, Message: message}, StatusProcessing)
	})

	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	st.task.UpdatedAt = now
	if err != nil {
		st.task.Status = StatusFailed
		st.task.Error = err.Error()
	} else {
		st.task.Status = StatusCompleted
		st.task.Progress = 100
		st.task.Result = result
	}
	update := terminalUpdate(st.task)
	subs := snapshotSubscribers(st)
	// No further updates can occur; drop subscribers so late unsubscribes
	// are no-ops and nothing is retained.
	st.subscribers = make(map[int]func(Update))
	m.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}

func (m *Manager) publish(taskID string, update Update, status string) {
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}

	st.task.Status = status
	st.task.Progress = update.Progress
	st.task.Message = update.Message
	st.task.UpdatedAt = time.Now().UTC()
	subs := snapshotSubscribers(st)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}

func terminalUpdate(t Task) Update {
	update := Update{TaskID: t.ID, Progress: t.Progress, Message: t.Message, Done: true}
	if t.Error != "" {
		update.Err = &taskError{msg: t.Error}
	}
	return update
}

func snapshotSubscribers(st *taskState) []func(Update) {
	subs := make([]func(Update), 0, len(st.subscribers))
	for _, fn := range st.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

// taskError carries a terminal task failure to subscribers.
type taskError struct {
	msg string
}

func (e *taskError) Error() string { return e.msg }
