// Package health provides readiness state tracking and HTTP health check
// handlers, including the overall status report with durable-backend
// connectivity.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Backend reports durable-backend connectivity.
type Backend interface {
	Healthy() bool
}

// Checker tracks the readiness state of the server.
// It is safe for concurrent use.
type Checker struct {
	state    atomic.Int32
	started  time.Time
	version  string
	backends map[string]Backend
}

// NewChecker creates a Checker in the Starting state.
func NewChecker(version string) *Checker {
	return &Checker{
		started:  time.Now(),
		version:  version,
		backends: map[string]Backend{},
	}
}

// Register adds a named backend to the status report.
func (c *Checker) Register(name string, b Backend) {
	c.backends[name] = b
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// statusResponse is the JSON body returned by the status endpoint.
type statusResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Backends      map[string]string `json:"backends,omitempty"`
}

// healthResponse is the JSON body returned by the probe endpoints.
type healthResponse struct {
	Status string `json:"status"`
}

// StatusHandler returns the overall health report. A disconnected
// durable backend degrades the status but still returns 200, since the
// server remains operational on its in-memory fallback. 503 is reserved
// for a server that is not (or no longer) serving.
func (c *Checker) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{
			Status:        "ok",
			Version:       c.version,
			UptimeSeconds: int64(time.Since(c.started).Seconds()),
			Backends:      map[string]string{},
		}
		for name, b := range c.backends {
			if b.Healthy() {
				resp.Backends[name] = "connected"
			} else {
				resp.Backends[name] = "disconnected"
				resp.Status = "degraded"
			}
		}

		code := http.StatusOK
		if !c.IsReady() {
			resp.Status = c.State()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and 503 when starting or draining.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.IsReady() {
			writeJSON(w, http.StatusOK, healthResponse{Status: c.State()})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
