package service

import (
	"sort"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SessionSnapshot is the monitoring view of one registered session, running
// or finished.
type SessionSnapshot struct {
	TestTakerID string             `json:"test_taker_id"`
	State       model.SessionState `json:"state"`
	Remaining   int                `json:"remaining_seconds"`
	Violations  int                `json:"violations"`
	TabSwitches int                `json:"tab_switches"`
	Stats       model.Stats        `json:"stats"`
	Connected   bool               `json:"connected"`
}

// Snapshot projects s for monitoring.
func (s *LiveSession) Snapshot() SessionSnapshot {
	ctrl := s.Controller
	return SessionSnapshot{
		TestTakerID: s.Key.TestTakerID,
		State:       ctrl.State(),
		Remaining:   ctrl.Remaining(),
		Violations:  len(ctrl.Violations()),
		TabSwitches: ctrl.TabSwitches(),
		Stats:       ctrl.Stats(),
		Connected:   s.Attached(),
	}
}

// SnapshotExam returns the snapshots of an exam's sessions ordered by
// test-taker id.
func (r *SessionRegistry) SnapshotExam(examID string) []SessionSnapshot {
	sessions := r.ByExam(examID)
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestTakerID < out[j].TestTakerID })
	return out
}
