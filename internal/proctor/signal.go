package proctor

import (
	"context"
	"errors"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrCaptureUnavailable is returned by a CaptureDevice that cannot be acquired.
var ErrCaptureUnavailable = errors.New("capture device unavailable")

// SignalKind is a raw behavioral occurrence reported by a signal source.
type SignalKind string

const (
	SignalVisibilityHidden  SignalKind = "visibility-hidden"
	SignalVisibilityVisible SignalKind = "visibility-visible"
	SignalFocusLost         SignalKind = "focus-lost"
	SignalClipboard         SignalKind = "clipboard"
	SignalCaptureAcquired   SignalKind = "capture-acquired"
	SignalCaptureDenied     SignalKind = "capture-denied"
	// SignalAnomaly carries an already-classified camera/audio finding in Category.
	SignalAnomaly SignalKind = "anomaly"
)

// Signal is one raw occurrence. Category is only read for SignalAnomaly.
type Signal struct {
	Kind     SignalKind          `json:"kind"`
	Category model.EventCategory `json:"category,omitempty"`
	Message  string              `json:"message,omitempty"`
	Evidence string              `json:"evidence,omitempty"`
	At       time.Time           `json:"at"`
}

// Source delivers signals until ctx is cancelled. Watch must return once ctx
// is done; a non-nil error other than ctx.Err() marks the source as failed.
type Source interface {
	Watch(ctx context.Context, emit func(Signal)) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, emit func(Signal)) error

func (f SourceFunc) Watch(ctx context.Context, emit func(Signal)) error {
	return f(ctx, emit)
}

// CaptureDevice is a live camera/microphone held while monitoring is active.
type CaptureDevice interface {
	Acquire(ctx context.Context) error
	Release() error
}

// ChannelSource forwards signals pushed with Send. It is the bridge used by
// transports (e.g. a WebSocket connection) that receive signals from a client.
type ChannelSource struct {
	ch chan Signal
}

// NewChannelSource creates a ChannelSource with the given buffer size.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{ch: make(chan Signal, buffer)}
}

// Send queues sig for delivery. It returns false if ctx ends first.
func (s *ChannelSource) Send(ctx context.Context, sig Signal) bool {
	select {
	case s.ch <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *ChannelSource) Watch(ctx context.Context, emit func(Signal)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-s.ch:
			emit(sig)
		}
	}
}
