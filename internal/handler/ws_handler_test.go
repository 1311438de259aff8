package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/timer"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const testEntryToken = "OPEN-SESAME"

type fakeExams map[string]*model.ExamDefinition

func (f fakeExams) Get(_ context.Context, id string) (*model.ExamDefinition, error) {
	exam, ok := f[id]
	if !ok {
		return nil, service.ErrExamNotFound
	}
	return exam, nil
}

// recordingSink keeps the first result per test-taker, like the Redis sink,
// and also serves them back as a ResultLookup.
type recordingSink struct {
	results chan *model.Result

	mu        sync.Mutex
	stored    map[checkpoint.Key]*model.Result
	lookupErr error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		results: make(chan *model.Result, 4),
		stored:  make(map[checkpoint.Key]*model.Result),
	}
}

func (s *recordingSink) Deliver(_ context.Context, r *model.Result) error {
	s.mu.Lock()
	key := checkpoint.Key{ExamID: r.ExamID, TestTakerID: r.TestTakerID}
	if _, ok := s.stored[key]; !ok {
		s.stored[key] = r
	}
	s.mu.Unlock()
	s.results <- r
	return nil
}

func (s *recordingSink) Result(_ context.Context, key checkpoint.Key) (*model.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, false, s.lookupErr
	}
	r, ok := s.stored[key]
	return r, ok, nil
}

func (s *recordingSink) failLookups(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupErr = err
}

type idleTicker struct{ ch chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.ch }
func (t idleTicker) Stop()               {}

type wsEnv struct {
	srv      *httptest.Server
	auth     *service.AuthService
	registry *service.SessionRegistry
	sink     *recordingSink
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWTSecret:          "test-secret",
		JWTExpiry:          time.Hour,
		BcryptCost:         4,
		ViolationThreshold: proctor.DefaultThreshold,
		AlertTTL:           time.Minute,
		FinishedRetention:  time.Minute,
	}
	auth := service.NewAuthService(cfg)
	hash, err := auth.HashEntryToken(testEntryToken)
	if err != nil {
		t.Fatalf("HashEntryToken: %v", err)
	}

	exam := &model.ExamDefinition{
		ID:              "exam-1",
		Title:           "Physics",
		Subject:         "Physics",
		DurationMinutes: 1,
		EntryTokenHash:  hash,
		Questions: []model.Question{
			{ID: "q1", Text: "Define inertia.", Type: model.QuestionTypeSubjective, Marks: 2},
			{ID: "q2", Text: "State Ohm's law.", Type: model.QuestionTypeSubjective, Marks: 2},
			{ID: "q3", Text: "Explain entropy.", Type: model.QuestionTypeSubjective, Marks: 2},
		},
	}

	env := &wsEnv{
		auth:     auth,
		registry: service.NewSessionRegistry(),
		sink:     newRecordingSink(),
	}
	store := checkpoint.NewMemoryStore()
	h := NewWSHandler(cfg, fakeExams{exam.ID: exam}, auth, env.registry, SessionDeps{
		Checkpoints: store,
		Orders:      store,
		Sink:        env.sink,
		Results:     env.sink,
		NewTicker:   func(time.Duration) timer.Ticker { return idleTicker{ch: make(chan time.Time)} },
	}, zerolog.Nop())

	r := gin.New()
	r.GET("/ws/v1/exams/:exam_id/session", middleware.RequireTakerWSAuth(auth), h.ExamSession)
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *wsEnv) dial(t *testing.T, examID, takerID, entryToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{}
	if takerID != "" {
		token, err := e.auth.GenerateToken(service.TokenTypeTaker, takerID, "Taker")
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		q.Set("token", token)
	}
	q.Set("entry_token", entryToken)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/v1/exams/" + examID + "/session?" + q.Encode()
	return websocket.DefaultDialer.Dial(u, nil)
}

func (e *wsEnv) connect(t *testing.T, takerID string) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, "exam-1", takerID, testEntryToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads events until one of type want arrives and decodes it into dst.
func expect(t *testing.T, conn *websocket.Conn, want ws.Event, dst interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var env struct {
			Event ws.Event `json:"event"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Event != want {
			if env.Event == ws.EventError && want != ws.EventError {
				t.Fatalf("unexpected error event while waiting for %q: %s", want, data)
			}
			continue
		}
		if dst != nil {
			if err := json.Unmarshal(data, dst); err != nil {
				t.Fatalf("decode %q: %v", want, err)
			}
		}
		return
	}
}

// firstEvent reads exactly one message and returns its event type and body.
func firstEvent(t *testing.T, conn *websocket.Conn) (ws.Event, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read first message: %v", err)
	}
	var env struct {
		Event ws.Event `json:"event"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.Event, data
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection still open")
			}
			return
		}
	}
}

func TestExamSessionRejectsBeforeUpgrade(t *testing.T) {
	env := newWSEnv(t)

	tests := []struct {
		name   string
		examID string
		taker  string
		entry  string
		want   int
	}{
		{"missing token", "exam-1", "", testEntryToken, http.StatusUnauthorized},
		{"unknown exam", "exam-404", "taker-1", testEntryToken, http.StatusNotFound},
		{"wrong entry token", "exam-1", "taker-1", "guess", http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := env.dial(t, tc.examID, tc.taker, tc.entry)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("dial error = %v, want bad handshake", err)
			}
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
	if env.registry.Len() != 0 {
		t.Fatalf("rejected connections must not start sessions")
	}
}

func TestExamSessionFlow(t *testing.T) {
	env := newWSEnv(t)
	conn := env.connect(t, "taker-1")

	var st ws.StateResponse
	expect(t, conn, ws.EventState, &st)
	if st.State != model.SessionStateActive || st.Position != 0 || st.Remaining != 60 {
		t.Fatalf("initial state = %+v", st)
	}
	if st.Question == nil || len(st.Palette) != 3 || st.Exam.QuestionCount != 3 {
		t.Fatalf("initial projection incomplete: %+v", st)
	}
	first := st.Question.ID

	send(t, conn, ws.AnswerRequest{Action: ws.ActionAnswer, QuestionID: first, Answer: "An object resists changes in motion."})
	expect(t, conn, ws.EventState, &st)
	if st.Answer == "" || st.Stats.Attempted != 1 {
		t.Fatalf("answer not reflected: %+v", st)
	}

	var rev ws.ReviewResponse
	send(t, conn, ws.ReviewRequest{Action: ws.ActionReview, QuestionID: first})
	expect(t, conn, ws.EventReview, &rev)
	if !rev.Marked || rev.QuestionID != first {
		t.Fatalf("review = %+v", rev)
	}

	send(t, conn, ws.NavigateRequest{Action: ws.ActionNavigate, Index: 99})
	expect(t, conn, ws.EventState, &st)
	if st.Position != 2 {
		t.Fatalf("navigate clamped to %d, want 2", st.Position)
	}

	send(t, conn, ws.AnswerRequest{Action: ws.ActionAnswer, QuestionID: "nope", Answer: "x"})
	expect(t, conn, ws.EventError, nil)

	send(t, conn, map[string]string{"action": "teleport"})
	expect(t, conn, ws.EventError, nil)

	send(t, conn, ws.RequestEnvelope{Action: ws.ActionPing})
	expect(t, conn, ws.EventPong, nil)

	var res ws.ResultResponse
	send(t, conn, ws.RequestEnvelope{Action: ws.ActionSubmit})
	expect(t, conn, ws.EventResult, &res)
	if res.Result.State != model.SessionStateSubmitted || res.Result.Reason != model.EndReasonSubmitted {
		t.Fatalf("result = %+v", res.Result)
	}
	if len(res.Result.Answers) != 1 || len(res.Result.Review) != 1 {
		t.Fatalf("result lost answers: %+v", res.Result)
	}
	expectClosed(t, conn)

	select {
	case delivered := <-env.sink.results:
		if delivered.TestTakerID != "taker-1" {
			t.Fatalf("delivered result for %q", delivered.TestTakerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("result was not delivered to the sink")
	}
}

func TestExamSessionTerminatesOnViolations(t *testing.T) {
	env := newWSEnv(t)
	conn := env.connect(t, "taker-1")
	expect(t, conn, ws.EventState, nil)

	for i := 1; i <= proctor.DefaultThreshold; i++ {
		send(t, conn, ws.SignalRequest{Action: ws.ActionSignal, Signal: proctor.Signal{Kind: proctor.SignalVisibilityHidden}})
		var alert ws.AlertResponse
		expect(t, conn, ws.EventAlert, &alert)
		if alert.Violations != i || alert.TabSwitches != i || alert.Alert == nil {
			t.Fatalf("alert %d = %+v", i, alert)
		}
		if alert.Violation.Category != model.CategoryTabSwitch {
			t.Fatalf("violation category = %q", alert.Violation.Category)
		}
	}

	var res ws.ResultResponse
	expect(t, conn, ws.EventResult, &res)
	if res.Result.State != model.SessionStateTerminated || res.Result.Reason != model.EndReasonViolationThreshold {
		t.Fatalf("result = %+v", res.Result)
	}
	if len(res.Result.Violations) != proctor.DefaultThreshold || res.Result.TabSwitches != proctor.DefaultThreshold {
		t.Fatalf("violation log = %d, tab switches = %d", len(res.Result.Violations), res.Result.TabSwitches)
	}
	expectClosed(t, conn)
}

func TestExamSessionReconnectTakesOver(t *testing.T) {
	env := newWSEnv(t)

	first := env.connect(t, "taker-1")
	var st ws.StateResponse
	expect(t, first, ws.EventState, &st)
	send(t, first, ws.AnswerRequest{Action: ws.ActionAnswer, QuestionID: st.Question.ID, Answer: "kept"})
	expect(t, first, ws.EventState, nil)

	second := env.connect(t, "taker-1")
	expect(t, second, ws.EventState, &st)
	if st.Stats.Attempted != 1 {
		t.Fatalf("reconnected session lost answers: %+v", st.Stats)
	}
	if env.registry.Len() != 1 {
		t.Fatalf("registry holds %d sessions, want 1", env.registry.Len())
	}

	expect(t, first, ws.EventError, nil)
	expectClosed(t, first)

	send(t, second, ws.RequestEnvelope{Action: ws.ActionSubmit})
	expect(t, second, ws.EventResult, nil)
}

// terminate drives taker's session past the violation threshold and waits
// until the result has been handed off.
func terminate(t *testing.T, env *wsEnv, takerID string) {
	t.Helper()
	conn := env.connect(t, takerID)
	expect(t, conn, ws.EventState, nil)
	for i := 0; i < proctor.DefaultThreshold; i++ {
		send(t, conn, ws.SignalRequest{Action: ws.ActionSignal, Signal: proctor.Signal{Kind: proctor.SignalVisibilityHidden}})
	}
	var res ws.ResultResponse
	expect(t, conn, ws.EventResult, &res)
	if res.Result.State != model.SessionStateTerminated {
		t.Fatalf("result = %+v", res.Result)
	}
	expectClosed(t, conn)

	select {
	case <-env.sink.results:
	case <-time.After(2 * time.Second):
		t.Fatalf("result was not delivered to the sink")
	}
}

func TestExamSessionReconnectAfterTermination(t *testing.T) {
	tests := []struct {
		name string
		// evict drops the finished session from the registry, as after the
		// retention window or on another instance.
		evict bool
	}{
		{name: "finished session retained"},
		{name: "recorded result only", evict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newWSEnv(t)
			terminate(t, env, "taker-1")

			key := checkpoint.Key{ExamID: "exam-1", TestTakerID: "taker-1"}
			if tt.evict {
				ls, ok := env.registry.Lookup(key)
				if !ok {
					t.Fatalf("finished session was not retained")
				}
				env.registry.Release(ls)
			}

			conn := env.connect(t, "taker-1")
			event, data := firstEvent(t, conn)
			if event != ws.EventResult {
				t.Fatalf("first event after termination = %q (%s), want result", event, data)
			}
			var res ws.ResultResponse
			if err := json.Unmarshal(data, &res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if res.Result.State != model.SessionStateTerminated || res.Result.Reason != model.EndReasonViolationThreshold {
				t.Fatalf("result = %+v", res.Result)
			}
			expectClosed(t, conn)

			if n := env.registry.LiveCount(); n != 0 {
				t.Fatalf("reconnect started %d new sessions", n)
			}
			select {
			case r := <-env.sink.results:
				t.Fatalf("a second result was delivered: %+v", r)
			default:
			}
		})
	}
}

func TestExamSessionResultLookupFailureRefusesSession(t *testing.T) {
	env := newWSEnv(t)
	env.sink.failLookups(errors.New("redis unavailable"))

	conn := env.connect(t, "taker-1")
	if event, data := firstEvent(t, conn); event != ws.EventError {
		t.Fatalf("first event = %q (%s), want error", event, data)
	}
	if env.registry.Len() != 0 {
		t.Fatalf("a session was started without knowing whether one already ended")
	}
}
