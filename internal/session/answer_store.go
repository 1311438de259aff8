package session

import "github.com/stemsi/exstem-proctor/internal/model"

// AnswerStore maps question ids to answer text and tracks review flags.
// It is owned by a single Controller and is not safe for concurrent use.
type AnswerStore struct {
	ids     []string
	answers map[string]string
	review  map[string]struct{}
}

// NewAnswerStore creates a store for the given question ids.
func NewAnswerStore(ids []string) *AnswerStore {
	return &AnswerStore{
		ids:     append([]string(nil), ids...),
		answers: make(map[string]string, len(ids)),
		review:  make(map[string]struct{}),
	}
}

// Set upserts the answer for id. Empty text clears it.
func (s *AnswerStore) Set(id, text string) {
	if text == "" {
		delete(s.answers, id)
		return
	}
	s.answers[id] = text
}

// Get returns the answer for id.
func (s *AnswerStore) Get(id string) (string, bool) {
	text, ok := s.answers[id]
	return text, ok
}

// Answered reports whether id has a non-empty answer.
func (s *AnswerStore) Answered(id string) bool {
	_, ok := s.answers[id]
	return ok
}

// ToggleReview flips the review flag of id and returns the new value.
func (s *AnswerStore) ToggleReview(id string) bool {
	if _, ok := s.review[id]; ok {
		delete(s.review, id)
		return false
	}
	s.review[id] = struct{}{}
	return true
}

// IsReview reports whether id is flagged for review.
func (s *AnswerStore) IsReview(id string) bool {
	_, ok := s.review[id]
	return ok
}

// Stats counts attempted, flagged and unattempted questions.
func (s *AnswerStore) Stats() model.Stats {
	attempted := len(s.answers)
	return model.Stats{
		Attempted:   attempted,
		Review:      len(s.review),
		Unattempted: len(s.ids) - attempted,
	}
}

// Snapshot returns an independent copy of the answers.
func (s *AnswerStore) Snapshot() map[string]string {
	out := make(map[string]string, len(s.answers))
	for id, text := range s.answers {
		out[id] = text
	}
	return out
}

// ReviewList returns the flagged ids in store order.
func (s *AnswerStore) ReviewList() []string {
	out := make([]string, 0, len(s.review))
	for _, id := range s.ids {
		if _, ok := s.review[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
