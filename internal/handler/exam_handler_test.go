package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/provider"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

type fakeExamStore struct {
	fakeExams
	createErr error
}

func (f *fakeExamStore) Create(_ context.Context, req *model.CreateExamRequest) (*model.ExamDefinition, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	exam := &model.ExamDefinition{
		ID:              "exam-new",
		Title:           req.Title,
		Subject:         req.Subject,
		DurationMinutes: req.DurationMinutes,
		EntryTokenHash:  "$2a$04$hash",
	}
	for i, q := range req.Questions {
		exam.Questions = append(exam.Questions, model.Question{
			ID: fmt.Sprintf("q%d", i+1), Text: q.Text, Type: model.QuestionType(q.Type), Marks: q.Marks,
		})
	}
	f.fakeExams[exam.ID] = exam
	return exam, nil
}

type envelope struct {
	Data struct {
		Exam map[string]interface{} `json:"exam"`
	} `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func examRouter(store ExamStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	validator.Setup()
	h := NewExamHandler(store, zerolog.Nop())
	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	r.POST("/exams", h.CreateExam)
	r.GET("/exams/:exam_id", h.GetExam)
	return r
}

const validExam = `{
	"title": "Mechanics Quiz",
	"subject": "Physics",
	"duration_minutes": 30,
	"entry_token": "ABCD1234",
	"questions": [
		{"text": "Unit of force?", "type": "MCQ", "options": ["Newton", "Joule"], "correct_answer": "Newton", "marks": 2},
		{"text": "Explain inertia.", "type": "SUBJECTIVE", "marks": 3}
	]
}`

func TestCreateExam(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		createErr error
		wantCode  int
		wantErr   response.ErrCode
	}{
		{"valid", validExam, nil, http.StatusCreated, ""},
		{"missing title", `{"subject": "Physics", "duration_minutes": 30}`, nil, http.StatusBadRequest, response.ErrValidation},
		{"malformed json", `{"title":`, nil, http.StatusBadRequest, response.ErrValidation},
		{"no question source", validExam, service.ErrNoQuestionSource, http.StatusBadRequest, response.ErrNoQuestions},
		{"bad options", validExam, fmt.Errorf("%w (question 1)", service.ErrInvalidMCQOptions), http.StatusBadRequest, response.ErrInvalidOptions},
		{"provider down", validExam, fmt.Errorf("generate questions: %w", provider.ErrProviderFailure), http.StatusBadGateway, response.ErrGenerationFailed},
		{"storage down", validExam, fmt.Errorf("store exam: boom"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := examRouter(&fakeExamStore{fakeExams: fakeExams{}, createErr: tc.createErr})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/exams", strings.NewReader(tc.body)))

			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.wantCode, w.Body)
			}
			var env envelope
			if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tc.wantErr != "" {
				if env.Error == nil || env.Error.Code != tc.wantErr {
					t.Fatalf("error = %+v, want %s", env.Error, tc.wantErr)
				}
				return
			}
			if _, leaked := env.Data.Exam["entry_token_hash"]; leaked {
				t.Fatalf("entry token hash leaked: %v", env.Data.Exam)
			}
			if env.Data.Exam["total_marks"] != float64(5) || env.Data.Exam["has_entry_token"] != true {
				t.Fatalf("unexpected exam view: %v", env.Data.Exam)
			}
		})
	}
}

func TestCreateExamReportsFieldErrors(t *testing.T) {
	r := examRouter(&fakeExamStore{fakeExams: fakeExams{}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/exams", strings.NewReader(`{"subject": "Physics", "duration_minutes": 30}`)))

	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	if env.Error == nil || env.Error.Fields["title"] == "" {
		t.Fatalf("expected a title field error, got %+v", env.Error)
	}
}

func TestGetExam(t *testing.T) {
	store := &fakeExamStore{fakeExams: fakeExams{
		"exam-1": {ID: "exam-1", Title: "Physics", DurationMinutes: 10, Questions: []model.Question{{ID: "q1", Marks: 4}}},
	}}
	r := examRouter(store)

	tests := []struct {
		path string
		want int
	}{
		{"/exams/exam-1", http.StatusOK},
		{"/exams/missing", http.StatusNotFound},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.want {
			t.Fatalf("GET %s = %d, want %d", tc.path, w.Code, tc.want)
		}
	}
}
