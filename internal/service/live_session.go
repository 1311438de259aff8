package service

import (
	"context"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// Client is the transport currently attached to a live session.
type Client interface {
	WriteTyped(v interface{}) error
	Close() error
}

// LiveSession is a running session plus the connection watching it. The
// session is server-owned: it keeps counting down while no client is
// attached, and a reconnecting client takes over the same session.
type LiveSession struct {
	Key        checkpoint.Key
	Exam       *model.ExamDefinition
	Controller *session.Controller
	Signals    *proctor.ChannelSource
	Alerts     *proctor.AlertBoard

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	client Client
}

// NewLiveSession wires the collaborators of one session. Controller is set
// by the caller once its hooks can reference the LiveSession.
func NewLiveSession(key checkpoint.Key, exam *model.ExamDefinition, signals *proctor.ChannelSource, alerts *proctor.AlertBoard) *LiveSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		Key:     key,
		Exam:    exam,
		Signals: signals,
		Alerts:  alerts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Done is closed once the session has ended and handed off its result.
func (s *LiveSession) Done() <-chan struct{} {
	return s.Controller.Done()
}

// Finished reports whether the session has left ACTIVE. It turns true as
// soon as the result exists, before the result is handed off.
func (s *LiveSession) Finished() bool {
	return s.Controller.Result() != nil
}

// Close releases resources held for signal delivery. It does not end the
// session.
func (s *LiveSession) Close() {
	s.cancel()
}

// Attach makes c the receiver of session events and returns the client it
// replaced, if any.
func (s *LiveSession) Attach(c Client) Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.client
	s.client = c
	return prev
}

// Detach removes c if it is still the attached client.
func (s *LiveSession) Detach(c Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != c {
		return false
	}
	s.client = nil
	return true
}

// Attached reports whether a client is currently attached.
func (s *LiveSession) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Send writes v to the attached client. Events raised while nobody is
// attached are dropped; the next client receives a full state snapshot.
func (s *LiveSession) Send(v interface{}) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.WriteTyped(v)
}

// Signal forwards a client-observed signal to the session's monitor. It
// returns false once the session no longer accepts signals.
func (s *LiveSession) Signal(sig proctor.Signal) bool {
	return s.Signals.Send(s.ctx, sig)
}
