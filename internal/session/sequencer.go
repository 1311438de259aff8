package session

import (
	"math/rand/v2"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Sequencer produces the randomized question order of one session. The order
// is computed on first use and never changes afterwards.
type Sequencer struct {
	questions []model.Question
	rng       *rand.Rand

	once  sync.Once
	order []string
}

// NewSequencer creates a Sequencer over questions. A nil rng uses a randomly
// seeded PCG source.
func NewSequencer(questions []model.Question, rng *rand.Rand) *Sequencer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Sequencer{questions: questions, rng: rng}
}

// Order returns the session's question ids in presentation order.
func (s *Sequencer) Order() []string {
	s.once.Do(func() {
		ids := make([]string, len(s.questions))
		for i := range s.questions {
			ids[i] = s.questions[i].ID
		}
		Shuffle(ids, s.rng)
		s.order = ids
	})
	return append([]string(nil), s.order...)
}

// Shuffle permutes items in place with Fisher–Yates.
func Shuffle[T any](items []T, rng *rand.Rand) {
	for i := len(items) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// IsPermutation reports whether order contains every question id exactly once.
func IsPermutation(order []string, questions []model.Question) bool {
	if len(order) != len(questions) {
		return false
	}
	want := make(map[string]int, len(questions))
	for i := range questions {
		want[questions[i].ID]++
	}
	for _, id := range order {
		if want[id] == 0 {
			return false
		}
		want[id]--
	}
	return true
}
