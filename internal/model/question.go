package model

// QuestionType enumerates how a question is answered.
type QuestionType string

const (
	QuestionTypeMCQ        QuestionType = "MCQ"
	QuestionTypeSubjective QuestionType = "SUBJECTIVE"
	QuestionTypePractical  QuestionType = "PRACTICAL"
)

// IsChoiceBased reports whether answers are picked from a fixed option list.
func (t QuestionType) IsChoiceBased() bool {
	return t == QuestionTypeMCQ
}

// Question represents a single exam question. It is immutable once a session starts.
type Question struct {
	ID            string       `json:"id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Marks         int          `json:"marks"`
}

// HasOption reports whether opt is one of the question's options.
func (q *Question) HasOption(opt string) bool {
	for _, o := range q.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// QuestionForTaker is a question without the correct answer, sent to test-takers.
type QuestionForTaker struct {
	ID      string       `json:"id"`
	Text    string       `json:"text"`
	Type    QuestionType `json:"type"`
	Options []string     `json:"options,omitempty"`
	Marks   int          `json:"marks"`
}

// ForTaker strips the answer key.
func (q *Question) ForTaker() QuestionForTaker {
	return QuestionForTaker{
		ID:      q.ID,
		Text:    q.Text,
		Type:    q.Type,
		Options: q.Options,
		Marks:   q.Marks,
	}
}

// QuestionRequest is a single question inside a CreateExamRequest.
type QuestionRequest struct {
	Text          string   `json:"text" binding:"required,notblank,max=2000"`
	Type          string   `json:"type" binding:"required,oneof=MCQ SUBJECTIVE PRACTICAL"`
	Options       []string `json:"options" binding:"omitempty,dive,min=1,max=500"`
	CorrectAnswer string   `json:"correct_answer" binding:"omitempty,max=500"`
	Marks         int      `json:"marks" binding:"omitempty,min=0,max=100"`
}
