package model

import (
	"time"
)

// ExamDefinition is the immutable input to a session.
type ExamDefinition struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Subject           string     `json:"subject"`
	DurationMinutes   int        `json:"duration_minutes"`
	Questions         []Question `json:"questions"`
	NegativeMarking   bool       `json:"negative_marking"`
	CalculatorAllowed bool       `json:"calculator_allowed"`
	EntryTokenHash    string     `json:"entry_token_hash,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// TotalMarks sums the marks of all questions.
func (e *ExamDefinition) TotalMarks() int {
	total := 0
	for i := range e.Questions {
		total += e.Questions[i].Marks
	}
	return total
}

// DurationSeconds returns the nominal exam length in seconds.
func (e *ExamDefinition) DurationSeconds() int {
	return e.DurationMinutes * 60
}

// QuestionByID looks up a question by its identifier.
func (e *ExamDefinition) QuestionByID(id string) (*Question, bool) {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i], true
		}
	}
	return nil, false
}

// ExamPayload is the definition as sent to test-takers (no answer key, no token hash).
type ExamPayload struct {
	ExamID            string `json:"exam_id"`
	Title             string `json:"title"`
	Subject           string `json:"subject"`
	DurationMinutes   int    `json:"duration_minutes"`
	TotalMarks        int    `json:"total_marks"`
	QuestionCount     int    `json:"question_count"`
	NegativeMarking   bool   `json:"negative_marking"`
	CalculatorAllowed bool   `json:"calculator_allowed"`
}

// Payload builds the test-taker facing summary of the exam.
func (e *ExamDefinition) Payload() ExamPayload {
	return ExamPayload{
		ExamID:            e.ID,
		Title:             e.Title,
		Subject:           e.Subject,
		DurationMinutes:   e.DurationMinutes,
		TotalMarks:        e.TotalMarks(),
		QuestionCount:     len(e.Questions),
		NegativeMarking:   e.NegativeMarking,
		CalculatorAllowed: e.CalculatorAllowed,
	}
}

// CreateExamRequest is the payload for creating a new exam definition.
// Either Questions is provided, or Generate describes what the question
// provider should produce.
type CreateExamRequest struct {
	Title             string            `json:"title" binding:"required,notblank,min=3,max=255"`
	Subject           string            `json:"subject" binding:"required,notblank,max=120"`
	DurationMinutes   int               `json:"duration_minutes" binding:"required,min=1,max=480"`
	NegativeMarking   bool              `json:"negative_marking"`
	CalculatorAllowed bool              `json:"calculator_allowed"`
	EntryToken        string            `json:"entry_token" binding:"omitempty,min=4,max=20"`
	Questions         []QuestionRequest `json:"questions" binding:"omitempty,dive"`
	Generate          *GenerateRequest  `json:"generate" binding:"omitempty"`
}

// GenerateRequest asks the question provider for a batch of questions.
type GenerateRequest struct {
	Topic      string `json:"topic" binding:"required,notblank,max=255"`
	Difficulty string `json:"difficulty" binding:"required,oneof=easy medium hard"`
	Count      int    `json:"count" binding:"required,min=1,max=50"`
}
