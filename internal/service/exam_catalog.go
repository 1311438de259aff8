package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/provider"
)

// Exam catalog errors.
var (
	ErrExamNotFound      = errors.New("exam not found")
	ErrNoQuestionSource  = errors.New("either questions or generate must be provided")
	ErrInvalidMCQOptions = errors.New("MCQ questions need at least two options and a correct answer among them")
)

// ExamCatalog stores exam definitions in Redis. Definitions are immutable
// once created, so they are cached without expiry.
type ExamCatalog struct {
	rdb      *redis.Client
	provider provider.Provider
	auth     *AuthService
	log      zerolog.Logger
	now      func() time.Time
}

// NewExamCatalog creates a new ExamCatalog.
func NewExamCatalog(rdb *redis.Client, p provider.Provider, auth *AuthService, log zerolog.Logger) *ExamCatalog {
	return &ExamCatalog{
		rdb:      rdb,
		provider: p,
		auth:     auth,
		log:      log.With().Str("component", "exam_catalog").Logger(),
		now:      time.Now,
	}
}

// Create builds a definition from req and stores it.
func (s *ExamCatalog) Create(ctx context.Context, req *model.CreateExamRequest) (*model.ExamDefinition, error) {
	exam, err := s.build(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(exam)
	if err != nil {
		return nil, fmt.Errorf("marshal exam: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(exam.ID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("store exam: %w", err)
	}

	s.log.Info().
		Str("exam_id", exam.ID).
		Int("questions", len(exam.Questions)).
		Int("total_marks", exam.TotalMarks()).
		Msg("Exam created")
	return exam, nil
}

// Get loads a definition by id.
func (s *ExamCatalog) Get(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamDefinitionKey(examID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	var exam model.ExamDefinition
	if err := json.Unmarshal(data, &exam); err != nil {
		return nil, fmt.Errorf("unmarshal exam: %w", err)
	}
	return &exam, nil
}

func (s *ExamCatalog) build(ctx context.Context, req *model.CreateExamRequest) (*model.ExamDefinition, error) {
	exam := &model.ExamDefinition{
		ID:                uuid.New().String(),
		Title:             req.Title,
		Subject:           req.Subject,
		DurationMinutes:   req.DurationMinutes,
		NegativeMarking:   req.NegativeMarking,
		CalculatorAllowed: req.CalculatorAllowed,
		CreatedAt:         s.now(),
	}

	switch {
	case len(req.Questions) > 0:
		questions, err := questionsFromRequest(req.Questions)
		if err != nil {
			return nil, err
		}
		exam.Questions = questions
	case req.Generate != nil:
		questions, err := s.provider.Generate(ctx, provider.Request{
			Subject:    req.Subject,
			Topic:      req.Generate.Topic,
			Difficulty: req.Generate.Difficulty,
			Count:      req.Generate.Count,
		})
		if err != nil {
			return nil, fmt.Errorf("generate questions: %w", err)
		}
		exam.Questions = questions
	default:
		return nil, ErrNoQuestionSource
	}

	if req.EntryToken != "" {
		hash, err := s.auth.HashEntryToken(req.EntryToken)
		if err != nil {
			return nil, fmt.Errorf("hash entry token: %w", err)
		}
		exam.EntryTokenHash = hash
	}
	return exam, nil
}

func questionsFromRequest(reqs []model.QuestionRequest) ([]model.Question, error) {
	out := make([]model.Question, len(reqs))
	for i, r := range reqs {
		q := model.Question{
			ID:            uuid.New().String(),
			Text:          r.Text,
			Type:          model.QuestionType(r.Type),
			CorrectAnswer: r.CorrectAnswer,
			Marks:         r.Marks,
		}
		if q.Marks == 0 {
			q.Marks = 1
		}
		if q.Type.IsChoiceBased() {
			q.Options = append([]string(nil), r.Options...)
			if len(q.Options) < 2 || (q.CorrectAnswer != "" && !q.HasOption(q.CorrectAnswer)) {
				return nil, fmt.Errorf("%w (question %d)", ErrInvalidMCQOptions, i+1)
			}
		} else {
			q.CorrectAnswer = ""
		}
		out[i] = q
	}
	return out, nil
}
