package proctor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type fakeDevice struct {
	acquireErr error
	acquired   atomic.Bool
	released   atomic.Bool
}

func (d *fakeDevice) Acquire(context.Context) error {
	if d.acquireErr != nil {
		return d.acquireErr
	}
	d.acquired.Store(true)
	return nil
}

func (d *fakeDevice) Release() error {
	d.released.Store(true)
	return nil
}

func collect() (chan Signal, func(Signal)) {
	ch := make(chan Signal, 64)
	return ch, func(s Signal) { ch <- s }
}

func waitSignal(t *testing.T, ch chan Signal) Signal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatalf("no signal emitted")
	}
	return Signal{}
}

func TestMonitorEscalatesExactlyOnce(t *testing.T) {
	var escalations atomic.Int32
	var events []model.ProctorEvent

	m := NewMonitor(Options{
		OnEvent:    func(ev model.ProctorEvent, _ Observation) { events = append(events, ev) },
		OnEscalate: func() { escalations.Add(1) },
		Log:        zerolog.Nop(),
	})
	_, emit := collect()
	m.Activate(emit)
	defer m.Deactivate()

	for i := 1; i <= 15; i++ {
		obs := m.Observe(Signal{Kind: SignalVisibilityHidden})
		if obs.Event == nil || !obs.Counted {
			t.Fatalf("signal %d: expected counted event", i)
		}
		if obs.Violations != i {
			t.Fatalf("signal %d: violations = %d", i, obs.Violations)
		}
		if obs.Escalated != (i == DefaultThreshold) {
			t.Fatalf("signal %d: Escalated = %v", i, obs.Escalated)
		}
		if i == DefaultThreshold-1 && escalations.Load() != 0 {
			t.Fatalf("escalated before threshold")
		}
	}

	if got := escalations.Load(); got != 1 {
		t.Fatalf("escalation fired %d times, want 1", got)
	}
	if len(events) != 15 {
		t.Fatalf("logged %d events, want 15", len(events))
	}
	if m.TabSwitches() != 15 || !m.Escalated() {
		t.Fatalf("TabSwitches() = %d, Escalated() = %v", m.TabSwitches(), m.Escalated())
	}
}

func TestMonitorClassification(t *testing.T) {
	tests := []struct {
		name      string
		sig       Signal
		category  model.EventCategory
		qualifies bool
		tabSwitch bool
	}{
		{"hidden tab", Signal{Kind: SignalVisibilityHidden}, model.CategoryTabSwitch, true, true},
		{"window blur", Signal{Kind: SignalFocusLost}, model.CategoryTabSwitch, true, true},
		{"clipboard", Signal{Kind: SignalClipboard}, model.CategoryClipboardAttempt, true, false},
		{"anomaly", Signal{Kind: SignalAnomaly, Category: model.CategoryAudioAnomaly}, model.CategoryAudioAnomaly, true, false},
		{"visible tab", Signal{Kind: SignalVisibilityVisible}, "", false, false},
		{"capture acquired", Signal{Kind: SignalCaptureAcquired}, "", false, false},
		{"unknown anomaly", Signal{Kind: SignalAnomaly, Category: "sneezing"}, "", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMonitor(Options{Log: zerolog.Nop()})
			_, emit := collect()
			m.Activate(emit)
			defer m.Deactivate()

			obs := m.Observe(tc.sig)
			if (obs.Event != nil) != tc.qualifies {
				t.Fatalf("qualifies = %v, want %v", obs.Event != nil, tc.qualifies)
			}
			if !tc.qualifies {
				return
			}
			if obs.Event.Category != tc.category {
				t.Fatalf("category = %q, want %q", obs.Event.Category, tc.category)
			}
			if obs.Event.Message == "" {
				t.Fatalf("expected a default message")
			}
			if (obs.TabSwitches == 1) != tc.tabSwitch {
				t.Fatalf("TabSwitches = %d", obs.TabSwitches)
			}
		})
	}
}

func TestMonitorCaptureDeniedIsLoggedOnce(t *testing.T) {
	dev := &fakeDevice{acquireErr: ErrCaptureUnavailable}
	m := NewMonitor(Options{Capture: dev, Log: zerolog.Nop()})
	signals, emit := collect()
	m.Activate(emit)
	defer m.Deactivate()

	sig := waitSignal(t, signals)
	if sig.Kind != SignalCaptureDenied {
		t.Fatalf("expected capture-denied signal, got %q", sig.Kind)
	}

	obs := m.Observe(sig)
	if obs.Event == nil || obs.Event.Category != model.CategoryCameraPermissionDenied {
		t.Fatalf("expected camera-permission-denied event, got %+v", obs.Event)
	}
	if obs.Counted || obs.Violations != 0 {
		t.Fatalf("capture denial must not count toward escalation")
	}

	if again := m.Observe(Signal{Kind: SignalCaptureDenied}); again.Event != nil {
		t.Fatalf("capture denial logged twice")
	}

	// Remaining sources keep working in degraded mode.
	if obs := m.Observe(Signal{Kind: SignalClipboard}); obs.Event == nil {
		t.Fatalf("monitoring stopped after capture denial")
	}
}

func TestMonitorDeactivateReleasesResources(t *testing.T) {
	dev := &fakeDevice{}
	var exited atomic.Bool
	blocking := SourceFunc(func(ctx context.Context, _ func(Signal)) error {
		<-ctx.Done()
		exited.Store(true)
		return nil
	})

	m := NewMonitor(Options{Capture: dev, Sources: []Source{blocking}, Log: zerolog.Nop()})
	signals, emit := collect()
	m.Activate(emit)

	if sig := waitSignal(t, signals); sig.Kind != SignalCaptureAcquired {
		t.Fatalf("expected capture-acquired, got %q", sig.Kind)
	}

	m.Deactivate()

	if !exited.Load() {
		t.Fatalf("source still running after Deactivate")
	}
	if !dev.released.Load() {
		t.Fatalf("capture device not released")
	}
	if m.Active() {
		t.Fatalf("monitor still active")
	}
	if obs := m.Observe(Signal{Kind: SignalClipboard}); obs.Event != nil {
		t.Fatalf("event produced after Deactivate")
	}

	m.Activate(emit)
	if m.Active() {
		t.Fatalf("monitor re-activated after Deactivate")
	}
}

func TestMonitorFailedSourceDoesNotStopOthers(t *testing.T) {
	failing := SourceFunc(func(context.Context, func(Signal)) error {
		return errors.New("listener crashed")
	})
	panicking := SourceFunc(func(context.Context, func(Signal)) error {
		panic("boom")
	})
	ch := NewChannelSource(4)

	m := NewMonitor(Options{Sources: []Source{failing, panicking, ch}, Log: zerolog.Nop()})
	signals, emit := collect()
	m.Activate(emit)
	defer m.Deactivate()

	if !ch.Send(context.Background(), Signal{Kind: SignalFocusLost}) {
		t.Fatalf("Send failed")
	}
	sig := waitSignal(t, signals)
	if sig.Kind != SignalFocusLost || sig.At.IsZero() {
		t.Fatalf("unexpected forwarded signal %+v", sig)
	}
}

func TestMonitorPushesAlerts(t *testing.T) {
	board := NewAlertBoard(time.Minute)
	var mu sync.Mutex
	var heard []Alert
	board.AddListener(AlertListenerFunc(func(a Alert) {
		mu.Lock()
		heard = append(heard, a)
		mu.Unlock()
	}))

	m := NewMonitor(Options{Alerts: board, Log: zerolog.Nop()})
	_, emit := collect()
	m.Activate(emit)
	defer m.Deactivate()

	m.Observe(Signal{Kind: SignalClipboard})
	m.Observe(Signal{Kind: SignalVisibilityVisible})

	if got := len(board.Active()); got != 1 {
		t.Fatalf("active alerts = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(heard) != 1 || heard[0].Text != msgClipboard {
		t.Fatalf("listener heard %+v", heard)
	}
}

func TestMonitorCustomThreshold(t *testing.T) {
	var escalations atomic.Int32
	m := NewMonitor(Options{Threshold: 2, OnEscalate: func() { escalations.Add(1) }, Log: zerolog.Nop()})
	_, emit := collect()
	m.Activate(emit)
	defer m.Deactivate()

	m.Observe(Signal{Kind: SignalClipboard})
	m.Observe(Signal{Kind: SignalAnomaly, Category: model.CategoryGazeDeviation})
	m.Observe(Signal{Kind: SignalClipboard})

	if escalations.Load() != 1 {
		t.Fatalf("escalations = %d, want 1", escalations.Load())
	}
}
