// Package session implements the single-slot test-session accumulator:
// a named window of assertion outcomes, started and ended explicitly.
package session

import (
	"sync"
	"time"
)

// unnamedSession is the implicit name used when assertions are recorded
// before Start is ever called.
const unnamedSession = "unnamed"

// Assertion is one recorded pass/fail outcome.
type Assertion struct {
	Passed    bool      `json:"passed"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is produced by End.
type Summary struct {
	Name        string      `json:"name"`
	Passed      bool        `json:"passed"`
	Total       int         `json:"total"`
	PassedCount int         `json:"passed_count"`
	FailedCount int         `json:"failed_count"`
	Assertions  []Assertion `json:"assertions"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	DurationMs  int64       `json:"duration_ms"`
}

// Session is a single-tenant accumulator: idle (no name) or active (name
// set). It is always touched from the tool surface, never from inside
// the bridge core.
type Session struct {
	mu         sync.Mutex
	name       string
	active     bool
	startedAt  time.Time
	assertions []Assertion
}

// New returns an idle session.
func New() *Session {
	return &Session{}
}

// Start transitions idle->active, clearing the assertion buffer. Calling
// Start while already active silently replaces the name and resets the
// buffer.
func (s *Session) Start(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.active = true
	s.startedAt = time.Now()
	s.assertions = nil
}

// AddAssertion appends an outcome with the current time. Permitted while
// idle: it buffers into the transient "unnamed" session, which the next
// End() call will report under that name.
func (s *Session) AddAssertion(passed bool, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active && s.name == "" && len(s.assertions) == 0 {
		s.startedAt = time.Now()
	}
	s.assertions = append(s.assertions, Assertion{
		Passed:    passed,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// End produces a summary and returns to idle.
func (s *Session) End() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.name
	if name == "" {
		name = unnamedSession
	}
	startedAt := s.startedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	endedAt := time.Now()

	passedCount, failedCount := 0, 0
	for _, a := range s.assertions {
		if a.Passed {
			passedCount++
		} else {
			failedCount++
		}
	}

	summary := Summary{
		Name:        name,
		Passed:      failedCount == 0,
		Total:       len(s.assertions),
		PassedCount: passedCount,
		FailedCount: failedCount,
		Assertions:  s.assertions,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		DurationMs:  endedAt.Sub(startedAt).Milliseconds(),
	}

	s.name = ""
	s.active = false
	s.startedAt = time.Time{}
	s.assertions = nil

	return summary
}

// Active reports whether a session is currently active.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
