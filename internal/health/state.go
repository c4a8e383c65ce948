// Package health serves the relayer's liveness report.
package health

import (
	"sync"
	"time"
)

// ServiceName is reported in every liveness response.
const ServiceName = "recurve-relayer"

// Status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Report is the JSON body of GET /health.
type Report struct {
	Status    string     `json:"status"`
	Service   string     `json:"service"`
	LastCheck *time.Time `json:"lastCheck"`
	Uptime    float64    `json:"uptime"`
	Error     string     `json:"error,omitempty"`
}

// State is the liveness cell. The reconciliation loop writes it once per
// tick; the HTTP server only reads.
type State struct {
	mu        sync.RWMutex
	status    string
	lastCheck time.Time
	lastErr   string
	started   time.Time
	now       func() time.Time
}

// NewState creates a cell reporting ok with no completed check.
func NewState() *State {
	return NewStateWithClock(time.Now)
}

// NewStateWithClock is NewState with an injected time source.
func NewStateWithClock(now func() time.Time) *State {
	return &State{status: StatusOK, started: now(), now: now}
}

// MarkOK records a healthy tick at t.
func (s *State) MarkOK(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusOK
	s.lastCheck = t
	s.lastErr = ""
}

// MarkError records a failed tick at t.
func (s *State) MarkError(t time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.lastCheck = t
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}

// Snapshot returns the current report.
func (s *State) Snapshot() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := Report{
		Status:  s.status,
		Service: ServiceName,
		Uptime:  s.now().Sub(s.started).Seconds(),
		Error:   s.lastErr,
	}
	if !s.lastCheck.IsZero() {
		t := s.lastCheck.UTC()
		r.LastCheck = &t
	}
	return r
}
