// Package proctor turns raw behavioral signals into proctoring events and
// escalates repeated violations.
package proctor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultThreshold is the number of counted violations that terminates a session.
const DefaultThreshold = 5

const (
	msgTabHidden     = "User switched tabs or minimized window."
	msgFocusLost     = "Window lost focus."
	msgClipboard     = "Copy/Paste is disabled."
	msgCaptureDenied = "Camera/Microphone permission denied or hardware unavailable."
)

// Observation is the outcome of feeding one signal to the Monitor.
type Observation struct {
	// Event is nil when the signal did not qualify.
	Event *model.ProctorEvent
	// Counted is false for informational events that do not escalate.
	Counted     bool
	Violations  int
	TabSwitches int
	// Escalated is true only for the observation that crossed the threshold.
	Escalated bool
}

// Options configures a Monitor.
type Options struct {
	Threshold int
	Sources   []Source
	Capture   CaptureDevice
	Alerts    *AlertBoard
	// OnEvent runs for every qualifying event, before OnEscalate.
	OnEvent func(model.ProctorEvent, Observation)
	// OnEscalate runs exactly once, when the threshold is first reached.
	OnEscalate func()
	Now        func() time.Time
	Log        zerolog.Logger
}

// Monitor classifies signals, keeps the violation and tab-switch counters and
// fires escalation once. Counters are only touched under mu.
type Monitor struct {
	threshold  int
	sources    []Source
	capture    CaptureDevice
	alerts     *AlertBoard
	onEvent    func(model.ProctorEvent, Observation)
	onEscalate func()
	now        func() time.Time
	log        zerolog.Logger

	mu           sync.Mutex
	active       bool
	deactivated  bool
	violations   int
	tabSwitches  int
	escalated    bool
	deniedLogged bool
	acquired     bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewMonitor creates an inactive Monitor.
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		threshold:  opts.Threshold,
		sources:    opts.Sources,
		capture:    opts.Capture,
		alerts:     opts.Alerts,
		onEvent:    opts.OnEvent,
		onEscalate: opts.OnEscalate,
		now:        opts.Now,
		log:        opts.Log.With().Str("component", "proctor_monitor").Logger(),
	}
	if m.threshold <= 0 {
		m.threshold = DefaultThreshold
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Activate starts every signal source and acquires the capture device.
// Signals are handed to emit; the caller feeds them back through Observe.
// Activate after Deactivate is a no-op.
func (m *Monitor) Activate(emit func(Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active || m.deactivated {
		return
	}
	m.active = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	forward := func(sig Signal) {
		if ctx.Err() != nil {
			return
		}
		if sig.At.IsZero() {
			sig.At = m.now()
		}
		emit(sig)
	}

	if m.capture != nil {
		m.wg.Add(1)
		go m.acquireCapture(ctx, forward)
	}

	for i, src := range m.sources {
		m.wg.Add(1)
		go m.watch(ctx, i, src, forward)
	}

	m.log.Debug().Int("sources", len(m.sources)).Bool("capture", m.capture != nil).Msg("Monitor activated")
}

func (m *Monitor) watch(ctx context.Context, idx int, src Source, emit func(Signal)) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Int("source", idx).Str("panic", fmt.Sprint(r)).Msg("Signal source panicked, monitoring continues without it")
		}
	}()

	if err := src.Watch(ctx, emit); err != nil && ctx.Err() == nil {
		m.log.Warn().Err(err).Int("source", idx).Msg("Signal source failed, monitoring continues without it")
	}
}

func (m *Monitor) acquireCapture(ctx context.Context, emit func(Signal)) {
	defer m.wg.Done()

	if err := m.capture.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Warn().Err(err).Msg("Capture device unavailable, continuing in degraded mode")
		emit(Signal{Kind: SignalCaptureDenied, Message: msgCaptureDenied})
		return
	}

	m.mu.Lock()
	m.acquired = true
	m.mu.Unlock()
	emit(Signal{Kind: SignalCaptureAcquired})
}

// Deactivate stops every source, waits for them and releases the capture
// device. No event is produced after Deactivate returns.
func (m *Monitor) Deactivate() {
	m.mu.Lock()
	if m.deactivated {
		m.mu.Unlock()
		return
	}
	m.deactivated = true
	m.active = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	release := m.acquired
	m.acquired = false
	m.mu.Unlock()

	if release {
		if err := m.capture.Release(); err != nil {
			m.log.Warn().Err(err).Msg("Capture device release failed")
		}
	}
	m.log.Debug().Msg("Monitor deactivated")
}

// Active reports whether the monitor is accepting signals.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Violations returns the counted violations so far.
func (m *Monitor) Violations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations
}

// TabSwitches returns the tab-switch counter used for reporting.
func (m *Monitor) TabSwitches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabSwitches
}

// Escalated reports whether the threshold has been reached.
func (m *Monitor) Escalated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated
}

// Observe classifies sig and updates the counters. The threshold is checked
// against the live counter just updated. Signals are ignored unless active.
func (m *Monitor) Observe(sig Signal) Observation {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return Observation{}
	}

	ev, counted, ok := m.classifyLocked(sig)
	if !ok {
		obs := Observation{Violations: m.violations, TabSwitches: m.tabSwitches}
		m.mu.Unlock()
		return obs
	}

	fire := false
	if counted {
		m.violations++
		if ev.Category == model.CategoryTabSwitch {
			m.tabSwitches++
		}
		if !m.escalated && m.violations >= m.threshold {
			m.escalated = true
			fire = true
		}
	}

	obs := Observation{
		Event:       &ev,
		Counted:     counted,
		Violations:  m.violations,
		TabSwitches: m.tabSwitches,
		Escalated:   fire,
	}
	m.mu.Unlock()

	m.log.Debug().
		Str("category", string(ev.Category)).
		Int("violations", obs.Violations).
		Msg("Proctoring event")

	if m.alerts != nil {
		m.alerts.Push(ev)
	}
	if m.onEvent != nil {
		m.onEvent(ev, obs)
	}
	if fire {
		m.log.Warn().Int("threshold", m.threshold).Msg("Violation threshold reached")
		if m.onEscalate != nil {
			m.onEscalate()
		}
	}
	return obs
}

// classifyLocked maps a raw signal to an event. counted is false for
// informational events; ok is false for signals that do not qualify.
func (m *Monitor) classifyLocked(sig Signal) (ev model.ProctorEvent, counted bool, ok bool) {
	ev = model.ProctorEvent{Timestamp: sig.At, Message: sig.Message, Evidence: sig.Evidence}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	switch sig.Kind {
	case SignalVisibilityHidden:
		ev.Category = model.CategoryTabSwitch
		ev.Message = orDefault(sig.Message, msgTabHidden)
		return ev, true, true
	case SignalFocusLost:
		ev.Category = model.CategoryTabSwitch
		ev.Message = orDefault(sig.Message, msgFocusLost)
		return ev, true, true
	case SignalClipboard:
		ev.Category = model.CategoryClipboardAttempt
		ev.Message = orDefault(sig.Message, msgClipboard)
		return ev, true, true
	case SignalCaptureDenied:
		if m.deniedLogged {
			return ev, false, false
		}
		m.deniedLogged = true
		ev.Category = model.CategoryCameraPermissionDenied
		ev.Message = orDefault(sig.Message, msgCaptureDenied)
		return ev, false, true
	case SignalAnomaly:
		if !sig.Category.Valid() || sig.Category == model.CategoryCameraPermissionDenied {
			return ev, false, false
		}
		ev.Category = sig.Category
		ev.Message = orDefault(sig.Message, "Suspicious activity detected: "+string(sig.Category))
		return ev, true, true
	}
	return ev, false, false
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
