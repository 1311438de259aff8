package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/timer"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	signalBuffer = 32
	startTimeout = 5 * time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ExamLookup loads exam definitions.
type ExamLookup interface {
	Get(ctx context.Context, examID string) (*model.ExamDefinition, error)
}

// ResultLookup finds the recorded result of a finished session.
type ResultLookup interface {
	Result(ctx context.Context, key checkpoint.Key) (*model.Result, bool, error)
}

// SessionObserver follows one session from outside, e.g. for live monitoring.
type SessionObserver interface {
	proctor.AlertListener
	Joined()
}

// SessionDeps are the collaborators shared by every session the handler opens.
type SessionDeps struct {
	Checkpoints checkpoint.Store
	Orders      checkpoint.OrderCache
	Sink        session.ResultSink
	// Results finds sessions that ended before this process saw them.
	Results     ResultLookup
	NewObserver func(examID, testTakerID string) SessionObserver
	// NewTicker overrides the wall-clock ticker, for tests.
	NewTicker timer.TickerFunc
}

// WSHandler serves exam sessions over WebSocket.
type WSHandler struct {
	cfg      *config.Config
	exams    ExamLookup
	auth     *service.AuthService
	registry *service.SessionRegistry
	deps     SessionDeps
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(cfg *config.Config, exams ExamLookup, auth *service.AuthService, registry *service.SessionRegistry, deps SessionDeps, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		cfg:      cfg,
		exams:    exams,
		auth:     auth,
		registry: registry,
		deps:     deps,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(cfg.AllowedOrigins),
	}
}

// ExamSession godoc
// WS /ws/v1/exams/:exam_id/session?token=...&entry_token=...
// Starts the test-taker's session, or attaches to it if it is already running.
// A test-taker whose session has ended receives the result and is disconnected.
func (h *WSHandler) ExamSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	exam, err := h.exams.Get(c.Request.Context(), c.Param("exam_id"))
	if err != nil {
		if errors.Is(err, service.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		h.log.Error().Err(err).Msg("Failed to load exam")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if err := h.auth.CheckEntryToken(exam.EntryTokenHash, c.Query("entry_token")); err != nil {
		response.Fail(c, http.StatusForbidden, response.ErrInvalidEntryToken)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := logger.Session(h.log, exam.ID, claims.UserID)

	ls, finished, err := h.openSession(c.Request.Context(), exam, claims.UserID)
	if err != nil {
		wsLog.Error().Err(err).Msg("Failed to open session")
		conn.WriteError(err.Error())
		return
	}
	if finished != nil {
		wsLog.Info().Str("state", string(finished.State)).Msg("Session already ended, sending result")
		conn.WriteTyped(ws.ResultResponse{Event: ws.EventResult, Result: finished})
		return
	}

	if prev := ls.Attach(conn); prev != nil {
		wsLog.Info().Msg("Session taken over by a new connection")
		prev.WriteTyped(ws.ErrorResponse{Event: ws.EventError, Error: "session opened on another connection"})
		prev.Close()
	}
	defer ls.Detach(conn)

	wsLog.Info().Msg("Test-taker connected")

	if res := ls.Controller.Result(); res != nil {
		conn.WriteTyped(ws.ResultResponse{Event: ws.EventResult, Result: res})
		return
	}
	conn.WriteTyped(stateResponse(ls))

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.dispatch(conn, ls, wsLog, data)
	}
}

func (h *WSHandler) dispatch(conn *ws.Conn, ls *service.LiveSession, wsLog zerolog.Logger, data []byte) {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.WriteError("invalid message")
		return
	}

	ctrl := ls.Controller
	switch env.Action {
	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := json.Unmarshal(data, &req); err != nil || req.QuestionID == "" {
			conn.WriteError("q_id is required")
			return
		}
		if err := ctrl.Answer(req.QuestionID, req.Answer); err != nil {
			conn.WriteError(err.Error())
			return
		}
		conn.WriteTyped(stateResponse(ls))

	case ws.ActionNavigate:
		var req ws.NavigateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			conn.WriteError("index is required")
			return
		}
		if _, err := ctrl.Navigate(req.Index); err != nil {
			conn.WriteError(err.Error())
			return
		}
		conn.WriteTyped(stateResponse(ls))

	case ws.ActionReview:
		var req ws.ReviewRequest
		if err := json.Unmarshal(data, &req); err != nil || req.QuestionID == "" {
			conn.WriteError("q_id is required")
			return
		}
		marked, err := ctrl.ToggleReview(req.QuestionID)
		if err != nil {
			conn.WriteError(err.Error())
			return
		}
		conn.WriteTyped(ws.ReviewResponse{Event: ws.EventReview, QuestionID: req.QuestionID, Marked: marked})

	case ws.ActionSubmit:
		// The result reaches the client through the session's finish hook.
		if _, err := ctrl.Submit(); err != nil {
			conn.WriteError(err.Error())
		}

	case ws.ActionSignal:
		var req ws.SignalRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Signal.Kind == "" {
			conn.WriteError("signal.kind is required")
			return
		}
		// Server time is authoritative for the violation log.
		req.Signal.At = time.Time{}
		if ctrl.State() != model.SessionStateActive || !ls.Signal(req.Signal) {
			conn.WriteError(session.ErrNotActive.Error())
		}

	case ws.ActionDismiss:
		var req ws.DismissRequest
		if err := json.Unmarshal(data, &req); err == nil && req.AlertID != "" {
			ls.Alerts.Dismiss(req.AlertID)
		}

	case ws.ActionSync:
		conn.WriteTyped(stateResponse(ls))

	case ws.ActionPing:
		conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})

	default:
		wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		conn.WriteError("unknown action: " + string(env.Action))
	}
}

// openSession returns the running session for the test-taker, starting a new
// one when none is live. A test-taker whose session already ended gets its
// result back instead of a new session.
func (h *WSHandler) openSession(ctx context.Context, exam *model.ExamDefinition, testTakerID string) (*service.LiveSession, *model.Result, error) {
	key := checkpoint.Key{ExamID: exam.ID, TestTakerID: testTakerID}

	for {
		if ls, ok := h.registry.Lookup(key); ok {
			if res := ls.Controller.Result(); res != nil {
				return nil, res, nil
			}
			return ls, nil, nil
		}

		if h.deps.Results != nil {
			res, found, err := h.deps.Results.Result(ctx, key)
			if err != nil {
				return nil, nil, err
			}
			if found {
				return nil, res, nil
			}
		}

		ls, observer := h.newLiveSession(key, exam)
		if err := h.registry.Register(ls); err != nil {
			ls.Close()
			if errors.Is(err, service.ErrSessionAlreadyActive) {
				// Lost a race with a concurrent connection; attach to its session.
				continue
			}
			return nil, nil, err
		}

		startCtx, cancel := context.WithTimeout(ctx, startTimeout)
		err := ls.Controller.Start(startCtx, exam, testTakerID)
		cancel()
		if err != nil {
			h.registry.Release(ls)
			ls.Close()
			return nil, nil, err
		}

		go h.retain(ls)

		if observer != nil {
			observer.Joined()
		}
		return ls, nil, nil
	}
}

// retain keeps a finished session registered for the retention window so
// reconnects and the monitor still see its result.
func (h *WSHandler) retain(ls *service.LiveSession) {
	<-ls.Done()
	ls.Close()
	time.AfterFunc(h.cfg.FinishedRetention, func() {
		h.registry.Release(ls)
	})
}

func (h *WSHandler) newLiveSession(key checkpoint.Key, exam *model.ExamDefinition) (*service.LiveSession, SessionObserver) {
	signals := proctor.NewChannelSource(signalBuffer)
	board := proctor.NewAlertBoard(h.cfg.AlertTTL)
	ls := service.NewLiveSession(key, exam, signals, board)

	sources := []proctor.Source{signals}
	if h.cfg.SimulatedAnomalies {
		sources = append(sources, &proctor.SimulatedClassifier{})
	}

	var observer SessionObserver
	if h.deps.NewObserver != nil {
		observer = h.deps.NewObserver(key.ExamID, key.TestTakerID)
		board.AddListener(observer)
	}

	ls.Controller = session.New(session.Config{
		Checkpoint: h.deps.Checkpoints,
		Orders:     h.deps.Orders,
		Sink:       h.deps.Sink,
		Sources:    sources,
		Alerts:     board,
		Threshold:  h.cfg.ViolationThreshold,
		NewTicker:  h.deps.NewTicker,
		Hooks: session.Hooks{
			OnTick: func(remaining int) {
				ls.Send(ws.TickResponse{Event: ws.EventTick, Remaining: remaining})
			},
			OnEvent: func(ev model.ProctorEvent) {
				ls.Send(alertResponse(ls, ev))
			},
			OnFinish: func(res *model.Result) {
				ls.Send(ws.ResultResponse{Event: ws.EventResult, Result: res})
				if c := ls.Attach(nil); c != nil {
					c.Close()
				}
			},
		},
	}, h.log)
	return ls, observer
}

// alertResponse pairs ev with the alert just raised for it. Events are
// handled one at a time, so the newest active alert belongs to ev.
func alertResponse(ls *service.LiveSession, ev model.ProctorEvent) ws.AlertResponse {
	resp := ws.AlertResponse{
		Event:       ws.EventAlert,
		Violation:   ev,
		Violations:  len(ls.Controller.Violations()),
		TabSwitches: ls.Controller.TabSwitches(),
	}
	if active := ls.Alerts.Active(); len(active) > 0 {
		latest := active[len(active)-1]
		resp.Alert = &latest
	}
	return resp
}

func stateResponse(ls *service.LiveSession) ws.StateResponse {
	ctrl := ls.Controller
	resp := ws.StateResponse{
		Event:       ws.EventState,
		Exam:        ls.Exam.Payload(),
		State:       ctrl.State(),
		Position:    ctrl.Position(),
		Remaining:   ctrl.Remaining(),
		Palette:     ctrl.Palette(),
		Stats:       ctrl.Stats(),
		TabSwitches: ctrl.TabSwitches(),
		Alerts:      ctrl.Alerts(),
	}
	if q, ok := ctrl.CurrentQuestion(); ok {
		forTaker := q.ForTaker()
		resp.Question = &forTaker
		resp.Answer, _ = ctrl.AnswerFor(q.ID)
	}
	return resp
}
