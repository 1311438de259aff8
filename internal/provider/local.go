package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var mockOptions = []string{"Option A", "Option B", "Option C", "Option D"}

// Local produces placeholder multiple-choice questions. It never fails and
// is the fallback when no model is configured or the model misbehaves.
type Local struct{}

func (Local) Generate(_ context.Context, req Request) ([]model.Question, error) {
	out := make([]model.Question, max(req.Count, 0))
	for i := range out {
		out[i] = model.Question{
			ID:            "mock-" + uuid.NewString(),
			Text:          fmt.Sprintf("(Simulation) Sample %s question about %s #%d?", req.Subject, req.Topic, i+1),
			Type:          model.QuestionTypeMCQ,
			Options:       append([]string(nil), mockOptions...),
			CorrectAnswer: mockOptions[0],
			Marks:         1,
		}
	}
	return out, nil
}
