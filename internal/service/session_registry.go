package service

import (
	"errors"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/checkpoint"
)

// ErrSessionAlreadyActive is returned when a second session is registered
// for an exam and test-taker that already have one, running or finished.
var ErrSessionAlreadyActive = errors.New("another session is already registered for this exam")

// SessionRegistry holds at most one session per exam and test-taker. A
// finished session keeps its key until it is released, so the same
// test-taker cannot start over while it is retained.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[checkpoint.Key]*LiveSession
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[checkpoint.Key]*LiveSession)}
}

// Register claims s.Key for s.
func (r *SessionRegistry) Register(s *LiveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.Key]; ok && existing != s {
		return ErrSessionAlreadyActive
	}
	r.sessions[s.Key] = s
	return nil
}

// Release frees s.Key if it is still held by s.
func (r *SessionRegistry) Release(s *LiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.Key] == s {
		delete(r.sessions, s.Key)
	}
}

// Lookup returns the session holding key, whether running or finished.
func (r *SessionRegistry) Lookup(key checkpoint.Key) (*LiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Live returns the unfinished session holding key.
func (r *SessionRegistry) Live(key checkpoint.Key) (*LiveSession, bool) {
	s, ok := r.Lookup(key)
	if !ok || s.Finished() {
		return nil, false
	}
	return s, true
}

// ByExam returns the registered sessions of one exam.
func (r *SessionRegistry) ByExam(examID string) []*LiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*LiveSession
	for key, s := range r.sessions {
		if key.ExamID == examID {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered sessions, finished ones included.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LiveCount returns the number of unfinished sessions.
func (r *SessionRegistry) LiveCount() int {
	live, _ := r.Counts()
	return live
}

// Counts returns the number of unfinished and of retained finished sessions.
func (r *SessionRegistry) Counts() (live, finished int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Finished() {
			finished++
		} else {
			live++
		}
	}
	return live, finished
}
