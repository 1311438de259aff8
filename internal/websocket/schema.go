package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionNavigate Action = "navigate"
	ActionReview   Action = "review"
	ActionSubmit   Action = "submit"
	ActionSignal   Action = "signal"
	ActionDismiss  Action = "dismiss"
	ActionSync     Action = "sync"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest records (or clears, with an empty answer) one answer.
type AnswerRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"q_id"`
	Answer     string `json:"ans"`
}

// NavigateRequest moves to a 0-based position in the session's order.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
}

// ReviewRequest toggles the marked-for-review flag of a question.
type ReviewRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"q_id"`
}

// SignalRequest forwards a raw behavioral signal observed by the client.
type SignalRequest struct {
	Action Action         `json:"action"`
	Signal proctor.Signal `json:"signal"`
}

// DismissRequest hides a visible alert before its TTL.
type DismissRequest struct {
	Action  Action `json:"action"`
	AlertID string `json:"alert_id"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventTick      Event = "tick"
	EventAlert     Event = "alert"
	EventReview    Event = "review"
	EventResult    Event = "result"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// StateResponse is a full projection of the session, sent on connect and
// after every navigation or answer.
type StateResponse struct {
	Event       Event                   `json:"event"`
	Exam        model.ExamPayload       `json:"exam"`
	State       model.SessionState      `json:"state"`
	Position    int                     `json:"position"`
	Question    *model.QuestionForTaker `json:"question,omitempty"`
	Answer      string                  `json:"answer"`
	Remaining   int                     `json:"remaining_seconds"`
	Palette     []model.PaletteEntry    `json:"palette"`
	Stats       model.Stats             `json:"stats"`
	TabSwitches int                     `json:"tab_switches"`
	Alerts      []proctor.Alert         `json:"alerts"`
}

type TickResponse struct {
	Event     Event `json:"event"`
	Remaining int   `json:"remaining_seconds"`
}

// AlertResponse carries a newly logged proctoring event together with the
// transient alert raised for it.
type AlertResponse struct {
	Event       Event              `json:"event"`
	Alert       *proctor.Alert     `json:"alert,omitempty"`
	Violation   model.ProctorEvent `json:"violation"`
	Violations  int                `json:"violations"`
	TabSwitches int                `json:"tab_switches"`
}

type ReviewResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"q_id"`
	Marked     bool   `json:"marked"`
}

type ResultResponse struct {
	Event  Event         `json:"event"`
	Result *model.Result `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
