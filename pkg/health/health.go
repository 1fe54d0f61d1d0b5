// Package health tracks bridge readiness and serves the probe endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Readiness states. The bridge starts in Starting, becomes Ready once the
// token engine has loaded its persisted state and the listener is up, and
// enters Draining during shutdown.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Checker tracks readiness. Safe for concurrent use.
type Checker struct {
	state atomic.Int32
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady marks the bridge ready to serve protocol traffic.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining marks the bridge as shutting down.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady reports whether the bridge is in the Ready state.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state name.
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

type healthResponse struct {
	Status string `json:"status"`
}

// LivenessHandler always responds 200; the process is alive if it can answer.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler responds 200 when ready, 503 while starting or draining.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.IsReady() {
			writeJSON(w, http.StatusOK, healthResponse{Status: c.State()})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
