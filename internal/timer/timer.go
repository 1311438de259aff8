// Package timer implements the per-session countdown with crash-safe
// checkpointing.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
)

const (
	// TickInterval is the wall-clock length of one countdown step.
	TickInterval = time.Second

	clearTimeout = 3 * time.Second
)

// Ticker is the periodic tick source driving the countdown.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type wallTicker struct {
	t *time.Ticker
}

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// WallTicker is the default TickerFunc backed by time.Ticker.
func WallTicker(d time.Duration) Ticker {
	return wallTicker{t: time.NewTicker(d)}
}

// Options configures a Timer.
type Options struct {
	// OnTick receives the remaining seconds after every decrement.
	OnTick func(remaining int)
	// OnExpire runs exactly once when the countdown reaches zero.
	OnExpire  func()
	NewTicker TickerFunc
	// Log is expected to carry the session's exam and test-taker fields.
	Log zerolog.Logger
}

// Timer counts a session down one second at a time, writing every value to a
// checkpoint keyed by exam and test-taker. It emits at most one expiry and
// never ticks after expiry or Stop.
type Timer struct {
	key       checkpoint.Key
	store     checkpoint.Store
	onTick    func(int)
	onExpire  func()
	newTicker TickerFunc
	log       zerolog.Logger
	resumed   bool

	mu        sync.Mutex
	remaining int
	started   bool
	stopped   bool
	expired   bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a Timer for key. An existing checkpoint takes precedence over
// nominalSeconds. A checkpoint read failure is logged and the nominal
// duration is used instead.
func New(ctx context.Context, key checkpoint.Key, nominalSeconds int, store checkpoint.Store, opts Options) *Timer {
	t := &Timer{
		key:       key,
		store:     store,
		onTick:    opts.OnTick,
		onExpire:  opts.OnExpire,
		newTicker: opts.NewTicker,
		log:       opts.Log.With().Str("component", "session_timer").Logger(),
		remaining: nominalSeconds,
	}
	if t.newTicker == nil {
		t.newTicker = WallTicker
	}
	if t.onTick == nil {
		t.onTick = func(int) {}
	}
	if t.onExpire == nil {
		t.onExpire = func() {}
	}

	if store != nil {
		saved, ok, err := store.Get(ctx, key)
		switch {
		case err != nil:
			t.log.Warn().Err(err).Msg("Checkpoint read failed, using nominal duration")
		case ok:
			t.remaining = saved
			t.resumed = true
			t.log.Info().Int("remaining", saved).Msg("Resuming from checkpoint")
		}
	}

	if t.remaining < 0 {
		t.remaining = 0
	}
	return t
}

// Resumed reports whether the remaining time came from a checkpoint.
func (t *Timer) Resumed() bool {
	return t.resumed
}

// Remaining returns the seconds left.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Expired reports whether the expiry signal has been emitted.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// Start begins ticking. Calling Start twice, or after Stop, is a no-op.
// A timer resumed with nothing left expires immediately.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.done = make(chan struct{})

	if t.remaining <= 0 {
		t.expired = true
		close(t.done)
		t.mu.Unlock()
		t.log.Info().Msg("Checkpoint already exhausted, expiring")
		t.onExpire()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	ticker := t.newTicker(TickInterval)
	t.mu.Unlock()

	go t.run(ctx, ticker)
}

func (t *Timer) run(ctx context.Context, ticker Ticker) {
	defer close(t.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			remaining, expired, ok := t.step(ctx)
			if !ok {
				return
			}
			t.onTick(remaining)
			if expired {
				t.log.Info().Msg("Timer expired")
				t.onExpire()
				return
			}
		}
	}
}

// step performs one decrement and checkpoints the new value.
func (t *Timer) step(ctx context.Context) (remaining int, expired bool, ok bool) {
	t.mu.Lock()
	if t.stopped || t.expired || ctx.Err() != nil {
		t.mu.Unlock()
		return 0, false, false
	}
	t.remaining--
	if t.remaining <= 0 {
		t.remaining = 0
		t.expired = true
	}
	remaining, expired = t.remaining, t.expired
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Set(ctx, t.key, remaining); err != nil && ctx.Err() == nil {
			// Keep counting; losing one checkpoint only widens the resume window.
			t.log.Warn().Err(err).Int("remaining", remaining).Msg("Checkpoint write failed")
		}
	}
	return remaining, expired, true
}

// Stop cancels the countdown, waits for the tick goroutine to exit and
// clears the checkpoint. It is safe to call more than once and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		cancel, done := t.cancel, t.done
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}

		if t.store == nil {
			return
		}
		ctx, cancelClear := context.WithTimeout(context.Background(), clearTimeout)
		defer cancelClear()
		if err := t.store.Clear(ctx, t.key); err != nil {
			t.log.Warn().Err(err).Msg("Checkpoint clear failed")
		}
	})
}
