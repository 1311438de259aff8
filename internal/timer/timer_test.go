package timer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
)

type manualTicker struct {
	ch       chan time.Time
	stopOnce sync.Once
	stopped  chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopOnce.Do(func() { close(m.stopped) }) }

// fire delivers one tick and reports whether the timer consumed it.
func (m *manualTicker) fire() bool {
	select {
	case m.ch <- time.Now():
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}

type countingStore struct {
	*checkpoint.MemoryStore
	sets   atomic.Int32
	getErr error
}

func (s *countingStore) Get(ctx context.Context, key checkpoint.Key) (int, bool, error) {
	if s.getErr != nil {
		return 0, false, s.getErr
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key checkpoint.Key, seconds int) error {
	s.sets.Add(1)
	return s.MemoryStore.Set(ctx, key, seconds)
}

var testKey = checkpoint.Key{ExamID: "exam-1", TestTakerID: "taker-1"}

type harness struct {
	ticker  *manualTicker
	store   *countingStore
	ticks   chan int
	expired chan struct{}
	expires atomic.Int32
}

func newHarness() *harness {
	return &harness{
		ticker:  newManualTicker(),
		store:   &countingStore{MemoryStore: checkpoint.NewMemoryStore()},
		ticks:   make(chan int, 64),
		expired: make(chan struct{}, 4),
	}
}

func (h *harness) options() Options {
	return Options{
		OnTick: func(remaining int) { h.ticks <- remaining },
		OnExpire: func() {
			h.expires.Add(1)
			h.expired <- struct{}{}
		},
		NewTicker: func(time.Duration) Ticker { return h.ticker },
		Log:       zerolog.Nop(),
	}
}

func (h *harness) tickAndWait(t *testing.T) int {
	t.Helper()
	if !h.ticker.fire() {
		t.Fatalf("timer did not consume tick")
	}
	select {
	case v := <-h.ticks:
		return v
	case <-time.After(time.Second):
		t.Fatalf("tick was not emitted")
	}
	return -1
}

func TestTimerExpiresExactlyOnce(t *testing.T) {
	h := newHarness()
	tm := New(context.Background(), testKey, 3, h.store, h.options())
	tm.Start()

	want := []int{2, 1, 0}
	for _, w := range want {
		if got := h.tickAndWait(t); got != w {
			t.Fatalf("tick = %d, want %d", got, w)
		}
	}

	select {
	case <-h.expired:
	case <-time.After(time.Second):
		t.Fatalf("expiry was not emitted")
	}

	if h.ticker.fire() {
		t.Fatalf("timer consumed a tick after expiry")
	}
	if got := h.expires.Load(); got != 1 {
		t.Fatalf("expiry emitted %d times, want 1", got)
	}
	if got := tm.Remaining(); got != 0 {
		t.Fatalf("Remaining() = %d after expiry, want 0", got)
	}

	tm.Stop()
	if h.expires.Load() != 1 {
		t.Fatalf("Stop after expiry re-emitted expiry")
	}
}

func TestTimerCheckpointsEveryTick(t *testing.T) {
	h := newHarness()
	tm := New(context.Background(), testKey, 60, h.store, h.options())
	tm.Start()
	defer tm.Stop()

	h.tickAndWait(t)
	h.tickAndWait(t)

	got, ok, _ := h.store.MemoryStore.Get(context.Background(), testKey)
	if !ok || got != 58 {
		t.Fatalf("checkpoint = %d (ok=%v), want 58", got, ok)
	}
}

func TestTimerResumesFromCheckpoint(t *testing.T) {
	h := newHarness()
	_ = h.store.MemoryStore.Set(context.Background(), testKey, 10)

	tm := New(context.Background(), testKey, 3600, h.store, h.options())
	if !tm.Resumed() {
		t.Fatalf("expected timer to resume from checkpoint")
	}
	if got := tm.Remaining(); got != 10 {
		t.Fatalf("Remaining() = %d, want 10", got)
	}
}

func TestTimerCheckpointReadFailureUsesNominal(t *testing.T) {
	h := newHarness()
	h.store.getErr = errors.New("redis down")

	tm := New(context.Background(), testKey, 120, h.store, h.options())
	if tm.Resumed() {
		t.Fatalf("timer should not report a resume on read failure")
	}
	if got := tm.Remaining(); got != 120 {
		t.Fatalf("Remaining() = %d, want 120", got)
	}
}

func TestTimerNoTickAfterStop(t *testing.T) {
	for cancelAfter := 0; cancelAfter < 5; cancelAfter++ {
		h := newHarness()
		tm := New(context.Background(), testKey, 5, h.store, h.options())
		tm.Start()

		for i := 0; i < cancelAfter; i++ {
			h.tickAndWait(t)
		}
		tm.Stop()
		setsAtStop := h.store.sets.Load()

		if h.ticker.fire() {
			t.Fatalf("cancelAfter=%d: tick consumed after Stop", cancelAfter)
		}
		if len(h.ticks) != 0 {
			t.Fatalf("cancelAfter=%d: tick emitted after Stop", cancelAfter)
		}
		if h.expires.Load() != 0 {
			t.Fatalf("cancelAfter=%d: expiry emitted after Stop", cancelAfter)
		}
		if h.store.sets.Load() != setsAtStop {
			t.Fatalf("cancelAfter=%d: checkpoint written after Stop", cancelAfter)
		}
		if _, ok, _ := h.store.MemoryStore.Get(context.Background(), testKey); ok {
			t.Fatalf("cancelAfter=%d: checkpoint not cleared", cancelAfter)
		}
		select {
		case <-h.ticker.stopped:
		default:
			t.Fatalf("cancelAfter=%d: ticker not stopped", cancelAfter)
		}
	}
}

func TestTimerExhaustedCheckpointExpiresImmediately(t *testing.T) {
	h := newHarness()
	_ = h.store.MemoryStore.Set(context.Background(), testKey, 0)

	tm := New(context.Background(), testKey, 60, h.store, h.options())
	tm.Start()

	if got := h.expires.Load(); got != 1 {
		t.Fatalf("expiry emitted %d times, want 1", got)
	}
	if !tm.Expired() {
		t.Fatalf("Expired() = false")
	}
	tm.Start()
	tm.Stop()
	if got := h.expires.Load(); got != 1 {
		t.Fatalf("expiry emitted %d times after restart attempt, want 1", got)
	}
}

func TestTimerStopBeforeStart(t *testing.T) {
	h := newHarness()
	tm := New(context.Background(), testKey, 5, h.store, h.options())
	tm.Stop()
	tm.Start()

	if h.ticker.fire() {
		t.Fatalf("timer started after Stop")
	}
}

func TestTimerWallClockExpiry(t *testing.T) {
	expired := make(chan struct{}, 1)
	tm := New(context.Background(), testKey, 1, checkpoint.NewMemoryStore(), Options{
		OnExpire: func() { expired <- struct{}{} },
		Log:      zerolog.Nop(),
	})
	tm.Start()
	defer tm.Stop()

	select {
	case <-expired:
	case <-time.After(3 * time.Second):
		t.Fatalf("1 second timer did not expire")
	}
	if tm.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", tm.Remaining())
	}
}
