package model

import "time"

// EventCategory classifies a proctoring violation.
type EventCategory string

const (
	CategoryTabSwitch              EventCategory = "tab-switch"
	CategoryFaceNotVisible         EventCategory = "face-not-visible"
	CategoryMultipleFaces          EventCategory = "multiple-faces"
	CategoryAudioAnomaly           EventCategory = "audio-anomaly"
	CategoryClipboardAttempt       EventCategory = "clipboard-attempt"
	CategoryGazeDeviation          EventCategory = "gaze-deviation"
	CategoryCameraPermissionDenied EventCategory = "camera-permission-denied"
)

// Valid reports whether c is a known category.
func (c EventCategory) Valid() bool {
	switch c {
	case CategoryTabSwitch, CategoryFaceNotVisible, CategoryMultipleFaces,
		CategoryAudioAnomaly, CategoryClipboardAttempt, CategoryGazeDeviation,
		CategoryCameraPermissionDenied:
		return true
	}
	return false
}

// ProctorEvent is one entry of a session's violation log.
type ProctorEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Category  EventCategory `json:"category"`
	Message   string        `json:"message"`
	// Evidence is an opaque handle to a snapshot; never required for correctness.
	Evidence string `json:"evidence,omitempty"`
}
