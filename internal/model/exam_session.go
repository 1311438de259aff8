package model

import (
	"time"
)

// SessionState enumerates the lifecycle states of an exam session.
type SessionState string

const (
	SessionStateNotStarted SessionState = "NOT_STARTED"
	SessionStateActive     SessionState = "ACTIVE"
	SessionStateSubmitted  SessionState = "SUBMITTED"
	SessionStateTerminated SessionState = "TERMINATED"
)

// IsTerminal reports whether no further mutation is permitted.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateSubmitted || s == SessionStateTerminated
}

// EndReason records which trigger moved a session out of ACTIVE.
type EndReason string

const (
	EndReasonSubmitted          EndReason = "submitted"
	EndReasonTimeExpired        EndReason = "time-expired"
	EndReasonViolationThreshold EndReason = "violation-threshold"
)

// Stats summarises answer coverage for the submission dialog.
type Stats struct {
	Attempted   int `json:"attempted"`
	Review      int `json:"review"`
	Unattempted int `json:"unattempted"`
}

// PaletteEntry is the per-question status used by a question palette view.
type PaletteEntry struct {
	Index      int    `json:"index"`
	QuestionID string `json:"question_id"`
	Answered   bool   `json:"answered"`
	Review     bool   `json:"review"`
	Visited    bool   `json:"visited"`
	Current    bool   `json:"current"`
}

// Result is the finalized hand-off produced when a session leaves ACTIVE.
// Forced terminations produce the same shape as a normal submission.
type Result struct {
	ExamID           string            `json:"exam_id"`
	TestTakerID      string            `json:"test_taker_id"`
	State            SessionState      `json:"state"`
	Reason           EndReason         `json:"reason"`
	Answers          map[string]string `json:"answers"`
	Review           []string          `json:"review"`
	QuestionOrder    []string          `json:"question_order"`
	Violations       []ProctorEvent    `json:"violations"`
	TabSwitches      int               `json:"tab_switches"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Stats            Stats             `json:"stats"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}
