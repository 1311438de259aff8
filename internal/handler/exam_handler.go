package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/provider"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ExamStore creates and loads exam definitions.
type ExamStore interface {
	ExamLookup
	Create(ctx context.Context, req *model.CreateExamRequest) (*model.ExamDefinition, error)
}

// ExamHandler handles exam management endpoints.
type ExamHandler struct {
	exams ExamStore
	log   zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(exams ExamStore, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		exams: exams,
		log:   log.With().Str("component", "exam_handler").Logger(),
	}
}

// examView is the admin view of a definition. The entry token hash is
// never returned.
type examView struct {
	*model.ExamDefinition
	EntryTokenHash string `json:"entry_token_hash,omitempty"`
	TotalMarks     int    `json:"total_marks"`
	HasEntryToken  bool   `json:"has_entry_token"`
}

func newExamView(exam *model.ExamDefinition) examView {
	return examView{
		ExamDefinition: exam,
		TotalMarks:     exam.TotalMarks(),
		HasEntryToken:  exam.EntryTokenHash != "",
	}
}

// CreateExam godoc
// POST /api/v1/admin/exams
// Creates an exam definition from explicit questions, or generates them.
func (h *ExamHandler) CreateExam(c *gin.Context) {
	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.exams.Create(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoQuestionSource):
			response.Fail(c, http.StatusBadRequest, response.ErrNoQuestions)
		case errors.Is(err, service.ErrInvalidMCQOptions):
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidOptions)
		case errors.Is(err, provider.ErrProviderFailure):
			response.Fail(c, http.StatusBadGateway, response.ErrGenerationFailed)
		default:
			h.log.Error().Err(err).Msg("Failed to create exam")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"exam": newExamView(exam)})
}

// GetExam godoc
// GET /api/v1/admin/exams/:exam_id
func (h *ExamHandler) GetExam(c *gin.Context) {
	exam, err := h.exams.Get(c.Request.Context(), c.Param("exam_id"))
	if err != nil {
		if errors.Is(err, service.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		h.log.Error().Err(err).Msg("Failed to load exam")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": newExamView(exam)})
}
