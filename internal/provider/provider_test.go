package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type stubGenerator struct {
	text string
	err  error
}

func (s stubGenerator) generate(context.Context, string) (string, error) {
	return s.text, s.err
}

type stubProvider struct {
	questions []model.Question
	err       error
	calls     int
}

func (s *stubProvider) Generate(context.Context, Request) ([]model.Question, error) {
	s.calls++
	return s.questions, s.err
}

var physics = Request{Subject: "Physics", Topic: "Kinematics", Difficulty: "easy", Count: 3}

var fiveQuestions = "[" + strings.TrimSuffix(strings.Repeat(`{"text":"q","options":["a","b"],"correctAnswer":"a"},`, 5), ",") + "]"

func TestLocalGenerate(t *testing.T) {
	qs, err := Local{}.Generate(context.Background(), physics)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(qs) != 3 {
		t.Fatalf("got %d questions, want 3", len(qs))
	}

	seen := make(map[string]bool)
	for i, q := range qs {
		if seen[q.ID] {
			t.Fatalf("duplicate id %s", q.ID)
		}
		seen[q.ID] = true
		want := fmt.Sprintf("(Simulation) Sample Physics question about Kinematics #%d?", i+1)
		if q.Text != want {
			t.Fatalf("unexpected text %q", q.Text)
		}
		if q.CorrectAnswer != "Option A" || len(q.Options) != 4 || q.Marks != 1 || q.Type != model.QuestionTypeMCQ {
			t.Fatalf("unexpected question %+v", q)
		}
	}
}

func TestLocalGenerateCounts(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  int
	}{
		{"zero", 0, 0},
		{"negative", -3, 0},
		{"one", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := physics
			req.Count = tt.count
			qs, err := Local{}.Generate(context.Background(), req)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if len(qs) != tt.want {
				t.Fatalf("got %d questions, want %d", len(qs), tt.want)
			}
		})
	}
}

func TestParseQuestions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"plain array", `[{"text":"a","options":["x","y"],"correctAnswer":"x","marks":1}]`, 1, false},
		{"fenced", "```json\n[{\"text\":\"a\"},{\"text\":\"b\"}]\n```", 2, false},
		{"prose around", `Here you go: [{"text":"a"}] hope it helps`, 1, false},
		{"not json", "sorry, I cannot help", 0, true},
		{"broken array", `[{"text":]`, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseQuestions(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if len(got) != tc.want {
				t.Fatalf("parsed %d questions, want %d", len(got), tc.want)
			}
		})
	}
}

func TestValidateQuestionsDropsMalformed(t *testing.T) {
	in := []generatedQuestion{
		{Text: "ok", Options: []string{"a", "b"}, CorrectAnswer: "a", Marks: 2},
		{Text: "", Options: []string{"a", "b"}, CorrectAnswer: "a"},
		{Text: "one option", Options: []string{"a"}, CorrectAnswer: "a"},
		{Text: "wrong key", Options: []string{"a", "b"}, CorrectAnswer: "c"},
		{Text: "no marks", Options: []string{"a", "b"}, CorrectAnswer: "b"},
	}

	out := validateQuestions(in)
	if len(out) != 2 {
		t.Fatalf("kept %d questions, want 2", len(out))
	}
	if out[0].Marks != 2 || out[1].Marks != 1 {
		t.Fatalf("marks = %d, %d", out[0].Marks, out[1].Marks)
	}
	if !strings.HasPrefix(out[0].ID, "ai-") || out[0].ID == out[1].ID {
		t.Fatalf("bad ids %q %q", out[0].ID, out[1].ID)
	}
}

func TestGeminiGenerate(t *testing.T) {
	tests := []struct {
		name    string
		gen     stubGenerator
		want    int
		wantErr bool
	}{
		{"usable", stubGenerator{text: `[{"text":"q","options":["a","b"],"correctAnswer":"a","marks":1}]`}, 1, false},
		{"truncates to count", stubGenerator{text: fiveQuestions}, 3, false},
		{"api error", stubGenerator{err: errors.New("quota exceeded")}, 0, true},
		{"garbage", stubGenerator{text: "nope"}, 0, true},
		{"all malformed", stubGenerator{text: `[{"text":"q","options":["a"]}]`}, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := newGemini(tc.gen, 1, zerolog.Nop())
			qs, err := g.Generate(context.Background(), physics)
			if tc.wantErr {
				if !errors.Is(err, ErrProviderFailure) {
					t.Fatalf("err = %v, want ErrProviderFailure", err)
				}
				return
			}
			if err != nil || len(qs) != tc.want {
				t.Fatalf("Generate() = %d questions, %v; want %d", len(qs), err, tc.want)
			}
		})
	}
}

func TestGeminiReleasesRateSlot(t *testing.T) {
	g := newGemini(stubGenerator{err: errors.New("boom")}, 1, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if _, err := g.Generate(context.Background(), physics); !errors.Is(err, ErrProviderFailure) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	<-g.rateChan
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Generate(ctx, physics); !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected failure without a rate slot, got %v", err)
	}
}

func TestFailover(t *testing.T) {
	good := []model.Question{{ID: "p1", Text: "primary", Type: model.QuestionTypeSubjective, Marks: 1}}

	tests := []struct {
		name        string
		primary     *stubProvider
		fromPrimary bool
	}{
		{"primary succeeds", &stubProvider{questions: good}, true},
		{"primary errors", &stubProvider{err: ErrProviderFailure}, false},
		{"primary empty", &stubProvider{}, false},
		{"no primary", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var primary Provider
			if tc.primary != nil {
				primary = tc.primary
			}
			f := NewFailover(primary, nil, zerolog.Nop())

			qs, err := f.Generate(context.Background(), physics)
			if err != nil {
				t.Fatalf("Failover must not surface provider errors: %v", err)
			}
			if tc.fromPrimary {
				if len(qs) != 1 || qs[0].ID != "p1" {
					t.Fatalf("expected primary questions, got %+v", qs)
				}
				return
			}
			if len(qs) != physics.Count || !strings.HasPrefix(qs[0].ID, "mock-") {
				t.Fatalf("expected local fallback questions, got %+v", qs)
			}
		})
	}
}
