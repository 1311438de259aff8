// Package session implements the exam session engine: the state machine
// that ties question order, answers, the countdown and proctoring together.
package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

const deliverTimeout = 10 * time.Second

// ResultSink receives the finalized result of a session.
type ResultSink interface {
	Deliver(ctx context.Context, result *model.Result) error
}

// Hooks are notified from the session goroutine after each state change.
// They may read projections but must not call Controller operations.
type Hooks struct {
	OnTick   func(remaining int)
	OnEvent  func(ev model.ProctorEvent)
	OnFinish func(result *model.Result)
}

// Config holds the collaborators of a Controller. Every field is optional.
type Config struct {
	Checkpoint checkpoint.Store
	Orders     checkpoint.OrderCache
	Sink       ResultSink
	Sources    []proctor.Source
	Capture    proctor.CaptureDevice
	Alerts     *proctor.AlertBoard
	Threshold  int
	Rand       *rand.Rand
	NewTicker  timer.TickerFunc
	// Duration overrides the exam's nominal length when positive.
	Duration time.Duration
	Hooks    Hooks
	Now      func() time.Time
}

type message any

type tickMsg struct{ remaining int }

type expiryMsg struct{}

type signalMsg struct{ sig proctor.Signal }

type opMsg struct {
	apply func() error
	reply chan error
}

// Controller owns one session. Every mutation runs on a single goroutine
// that drains an unbuffered inbox fed by user operations, timer ticks and
// proctoring signals, so two signals are never processed concurrently.
type Controller struct {
	cfg Config
	log zerolog.Logger

	inbox chan message
	ended chan struct{}
	done  chan struct{}

	mu          sync.Mutex
	state       model.SessionState
	reason      model.EndReason
	exam        *model.ExamDefinition
	index       map[string]*model.Question
	key         checkpoint.Key
	order       []string
	position    int
	answers     *AnswerStore
	visited     map[string]bool
	remaining   int
	violations  []model.ProctorEvent
	tabSwitches int
	escalate    bool
	startedAt   time.Time
	result      *model.Result
	timer       *timer.Timer
	monitor     *proctor.Monitor
	effects     []func()
}

// New creates a Controller in NOT_STARTED.
func New(cfg Config, log zerolog.Logger) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:   cfg,
		log:   log.With().Str("component", "session").Logger(),
		inbox: make(chan message),
		ended: make(chan struct{}),
		done:  make(chan struct{}),
		state: model.SessionStateNotStarted,
	}
}

func validateExam(exam *model.ExamDefinition) error {
	if exam == nil || len(exam.Questions) == 0 {
		return ErrNoQuestions
	}
	if exam.DurationMinutes <= 0 {
		return ErrInvalidDuration
	}
	seen := make(map[string]struct{}, len(exam.Questions))
	for i := range exam.Questions {
		id := exam.Questions[i].ID
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateQuestion, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Start moves the session from NOT_STARTED to ACTIVE: it fixes the question
// order, resolves the timer checkpoint, activates proctoring and starts the
// countdown.
func (c *Controller) Start(ctx context.Context, exam *model.ExamDefinition, testTakerID string) error {
	c.mu.Lock()
	if c.state != model.SessionStateNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := validateExam(exam); err != nil {
		c.mu.Unlock()
		return err
	}

	c.exam = exam
	c.key = checkpoint.Key{ExamID: exam.ID, TestTakerID: testTakerID}
	c.log = logger.Session(c.log, exam.ID, testTakerID)
	c.index = make(map[string]*model.Question, len(exam.Questions))
	for i := range exam.Questions {
		c.index[exam.Questions[i].ID] = &exam.Questions[i]
	}
	c.order = c.resolveOrder(ctx, exam)
	c.answers = NewAnswerStore(c.order)
	c.visited = map[string]bool{c.order[0]: true}

	nominal := exam.DurationSeconds()
	if c.cfg.Duration > 0 {
		nominal = int(c.cfg.Duration / time.Second)
	}
	c.timer = timer.New(ctx, c.key, nominal, c.cfg.Checkpoint, timer.Options{
		OnTick:    func(remaining int) { c.post(tickMsg{remaining: remaining}) },
		OnExpire:  func() { c.post(expiryMsg{}) },
		NewTicker: c.cfg.NewTicker,
		Log:       c.log,
	})
	c.monitor = proctor.NewMonitor(proctor.Options{
		Threshold:  c.cfg.Threshold,
		Sources:    c.cfg.Sources,
		Capture:    c.cfg.Capture,
		Alerts:     c.cfg.Alerts,
		OnEvent:    c.recordEvent,
		OnEscalate: func() { c.escalate = true },
		Now:        c.cfg.Now,
		Log:        c.log,
	})

	c.remaining = c.timer.Remaining()
	c.startedAt = c.cfg.Now()
	c.state = model.SessionStateActive
	log := c.log.Info().
		Int("questions", len(c.order)).
		Int("remaining", c.remaining).
		Bool("resumed", c.timer.Resumed())
	go c.loop()
	c.mu.Unlock()

	log.Msg("Session started")

	c.monitor.Activate(func(sig proctor.Signal) { c.post(signalMsg{sig: sig}) })
	c.timer.Start()
	return nil
}

// resolveOrder reuses a cached order when it still matches the exam.
func (c *Controller) resolveOrder(ctx context.Context, exam *model.ExamDefinition) []string {
	if c.cfg.Orders != nil {
		cached, ok, err := c.cfg.Orders.GetOrder(ctx, c.key)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Msg("Failed to read cached question order")
		case ok && IsPermutation(cached, exam.Questions):
			return cached
		case ok:
			c.log.Warn().Msg("Cached question order does not match exam, reshuffling")
		}
	}

	order := NewSequencer(exam.Questions, c.cfg.Rand).Order()
	if c.cfg.Orders != nil {
		if err := c.cfg.Orders.SetOrder(ctx, c.key, order); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache question order")
		}
	}
	return order
}

// post hands m to the session goroutine. It returns false once the session
// has ended, so producers never block on a finished session.
func (c *Controller) post(m message) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.ended:
		return false
	}
}

// exec runs apply on the session goroutine and returns its error.
func (c *Controller) exec(apply func() error) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != model.SessionStateActive {
		return ErrNotActive
	}

	reply := make(chan error, 1)
	if !c.post(opMsg{apply: apply, reply: reply}) {
		return ErrNotActive
	}
	return <-reply
}

func (c *Controller) loop() {
	for {
		select {
		case <-c.ended:
			c.handoff()
			return
		default:
		}

		select {
		case m := <-c.inbox:
			c.handle(m)
		case <-c.ended:
		}
	}
}

func (c *Controller) handle(m message) {
	var err error

	c.mu.Lock()
	switch m := m.(type) {
	case tickMsg:
		c.applyTick(m.remaining)
	case expiryMsg:
		c.finishLocked(model.SessionStateSubmitted, model.EndReasonTimeExpired)
	case signalMsg:
		c.applySignal(m.sig)
	case opMsg:
		err = m.apply()
	}
	effects := c.effects
	c.effects = nil
	c.mu.Unlock()

	if op, ok := m.(opMsg); ok {
		op.reply <- err
	}
	for _, fn := range effects {
		fn()
	}
}

func (c *Controller) applyTick(remaining int) {
	if c.state != model.SessionStateActive || remaining > c.remaining {
		return
	}
	c.remaining = remaining
	if hook := c.cfg.Hooks.OnTick; hook != nil {
		c.effects = append(c.effects, func() { hook(remaining) })
	}
}

func (c *Controller) applySignal(sig proctor.Signal) {
	if c.state != model.SessionStateActive {
		return
	}
	c.monitor.Observe(sig)
	if c.escalate {
		c.finishLocked(model.SessionStateTerminated, model.EndReasonViolationThreshold)
	}
}

// recordEvent is called by the monitor from inside applySignal, with mu held.
func (c *Controller) recordEvent(ev model.ProctorEvent, obs proctor.Observation) {
	c.violations = append(c.violations, ev)
	c.tabSwitches = obs.TabSwitches
	if hook := c.cfg.Hooks.OnEvent; hook != nil {
		c.effects = append(c.effects, func() { hook(ev) })
	}
}

// finishLocked leaves ACTIVE. The timer and the monitor are stopped before
// it returns; a session that is already terminal is left untouched.
func (c *Controller) finishLocked(state model.SessionState, reason model.EndReason) {
	if c.state != model.SessionStateActive {
		return
	}
	c.state = state
	c.reason = reason
	close(c.ended)

	c.timer.Stop()
	c.monitor.Deactivate()

	if reason == model.EndReasonTimeExpired {
		c.remaining = 0
	}

	res := &model.Result{
		ExamID:           c.key.ExamID,
		TestTakerID:      c.key.TestTakerID,
		State:            state,
		Reason:           reason,
		Answers:          c.answers.Snapshot(),
		Review:           c.answers.ReviewList(),
		QuestionOrder:    append([]string(nil), c.order...),
		Violations:       append([]model.ProctorEvent(nil), c.violations...),
		TabSwitches:      c.tabSwitches,
		RemainingSeconds: c.remaining,
		Stats:            c.answers.Stats(),
		StartedAt:        c.startedAt,
		FinishedAt:       c.cfg.Now(),
	}
	c.result = res

	c.log.Info().
		Str("state", string(state)).
		Str("reason", string(reason)).
		Int("violations", len(res.Violations)).
		Int("remaining", res.RemainingSeconds).
		Msg("Session finished")

	if hook := c.cfg.Hooks.OnFinish; hook != nil {
		c.effects = append(c.effects, func() { hook(res) })
	}
}

// handoff delivers the result and drops the cached order, then closes done.
func (c *Controller) handoff() {
	defer close(c.done)

	c.mu.Lock()
	res := c.result
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if c.cfg.Sink != nil && res != nil {
		if err := c.cfg.Sink.Deliver(ctx, res); err != nil {
			c.log.Error().Err(err).Msg("Failed to deliver session result")
		}
	}
	if c.cfg.Orders != nil {
		if err := c.cfg.Orders.ClearOrder(ctx, c.key); err != nil {
			c.log.Warn().Err(err).Msg("Failed to clear cached question order")
		}
	}
}

// ─── Operations ────────────────────────────────────────────────────────────

// Navigate moves to target, clamped into the valid range, and returns the
// resulting position.
func (c *Controller) Navigate(target int) (int, error) {
	var pos int
	err := c.exec(func() error {
		if c.state != model.SessionStateActive {
			return ErrNotActive
		}
		pos = min(max(target, 0), len(c.order)-1)
		c.position = pos
		c.visited[c.order[pos]] = true
		return nil
	})
	return pos, err
}

// Answer records text for questionID. Empty text clears the answer.
func (c *Controller) Answer(questionID, text string) error {
	return c.exec(func() error {
		if c.state != model.SessionStateActive {
			return ErrNotActive
		}
		q, ok := c.index[questionID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownQuestion, questionID)
		}
		if text != "" && q.Type.IsChoiceBased() && !q.HasOption(text) {
			return ErrInvalidOption
		}
		c.answers.Set(questionID, text)
		return nil
	})
}

// ToggleReview flips the review flag of questionID and returns the new value.
func (c *Controller) ToggleReview(questionID string) (bool, error) {
	var flagged bool
	err := c.exec(func() error {
		if c.state != model.SessionStateActive {
			return ErrNotActive
		}
		if _, ok := c.index[questionID]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownQuestion, questionID)
		}
		flagged = c.answers.ToggleReview(questionID)
		return nil
	})
	return flagged, err
}

// Submit ends the session on the test-taker's request and returns the result.
func (c *Controller) Submit() (*model.Result, error) {
	err := c.exec(func() error {
		if c.state != model.SessionStateActive {
			return ErrNotActive
		}
		c.finishLocked(model.SessionStateSubmitted, model.EndReasonSubmitted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.Result(), nil
}

// ─── Projections ───────────────────────────────────────────────────────────

// State returns the lifecycle state.
func (c *Controller) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Position returns the current index into the question order.
func (c *Controller) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Order returns the session's question order.
func (c *Controller) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// CurrentQuestion returns the question at the current position.
func (c *Controller) CurrentQuestion() (model.Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return model.Question{}, false
	}
	return *c.index[c.order[c.position]], true
}

// AnswerFor returns the recorded answer for questionID.
func (c *Controller) AnswerFor(questionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answers == nil {
		return "", false
	}
	return c.answers.Get(questionID)
}

// Palette returns the per-question status in presentation order.
func (c *Controller) Palette() []model.PaletteEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PaletteEntry, len(c.order))
	for i, id := range c.order {
		out[i] = model.PaletteEntry{
			Index:      i,
			QuestionID: id,
			Answered:   c.answers.Answered(id),
			Review:     c.answers.IsReview(id),
			Visited:    c.visited[id],
			Current:    i == c.position,
		}
	}
	return out
}

// Remaining returns the seconds left as last reported by the timer.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Stats returns attempted, review and unattempted counts.
func (c *Controller) Stats() model.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answers == nil {
		return model.Stats{}
	}
	return c.answers.Stats()
}

// Violations returns a copy of the violation log.
func (c *Controller) Violations() []model.ProctorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ProctorEvent(nil), c.violations...)
}

// TabSwitches returns the tab-switch counter.
func (c *Controller) TabSwitches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabSwitches
}

// Alerts returns the alerts currently on display.
func (c *Controller) Alerts() []proctor.Alert {
	if c.cfg.Alerts == nil {
		return nil
	}
	return c.cfg.Alerts.Active()
}

// Result returns the finalized result, or nil while the session is live.
func (c *Controller) Result() *model.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Done is closed after the session has ended and its result was handed off.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
