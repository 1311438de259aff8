package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"google.golang.org/api/option"
)

const (
	DefaultGeminiModel = "gemini-3-flash-preview"
	rateSlotTimeout    = 2 * time.Minute
)

// generatedQuestion is the JSON shape requested from the model.
type generatedQuestion struct {
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer"`
	Marks         float64  `json:"marks"`
}

// textGenerator is the part of the Gemini model the provider needs.
type textGenerator interface {
	generate(ctx context.Context, prompt string) (string, error)
}

type genaiModel struct {
	model *genai.GenerativeModel
}

func (g genaiModel) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return extractText(resp), nil
}

// Gemini generates multiple-choice questions with Google's Gemini API.
type Gemini struct {
	client   *genai.Client
	gen      textGenerator
	rateChan chan struct{}
	log      zerolog.Logger
}

// NewGemini connects to Gemini. concurrency bounds in-flight requests.
func NewGemini(ctx context.Context, apiKey, modelName string, concurrency int, log zerolog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	m := client.GenerativeModel(modelName)
	m.SetTemperature(0.4)
	m.SetTopP(0.95)
	m.ResponseMIMEType = "application/json"
	m.ResponseSchema = &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"text":          {Type: genai.TypeString},
				"options":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
				"correctAnswer": {Type: genai.TypeString, Description: "The correct option string exactly as it appears in options"},
				"marks":         {Type: genai.TypeNumber},
			},
			Required: []string{"text", "options", "correctAnswer", "marks"},
		},
	}

	g := newGemini(genaiModel{model: m}, concurrency, log)
	g.client = client
	return g, nil
}

func newGemini(gen textGenerator, concurrency int, log zerolog.Logger) *Gemini {
	if concurrency <= 0 {
		concurrency = 1
	}
	rateChan := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		rateChan <- struct{}{}
	}
	return &Gemini{
		gen:      gen,
		rateChan: rateChan,
		log:      log.With().Str("component", "gemini_provider").Logger(),
	}
}

// Close releases the underlying client.
func (g *Gemini) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

func (g *Gemini) acquireRate(ctx context.Context) error {
	select {
	case <-g.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(rateSlotTimeout):
		return fmt.Errorf("timeout waiting for gemini rate slot")
	}
}

func (g *Gemini) releaseRate() {
	g.rateChan <- struct{}{}
}

func (g *Gemini) Generate(ctx context.Context, req Request) ([]model.Question, error) {
	if err := g.acquireRate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	defer g.releaseRate()

	start := time.Now()
	raw, err := g.gen.generate(ctx, buildPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("%w: gemini api: %v", ErrProviderFailure, err)
	}

	parsed, err := parseQuestions(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	questions := validateQuestions(parsed)
	if dropped := len(parsed) - len(questions); dropped > 0 {
		g.log.Warn().Int("dropped", dropped).Msg("Dropped malformed generated questions")
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no usable questions in response", ErrProviderFailure)
	}
	if len(questions) > req.Count && req.Count > 0 {
		questions = questions[:req.Count]
	}

	g.log.Info().
		Int("questions", len(questions)).
		Dur("took", time.Since(start)).
		Msg("Generated questions")
	return questions, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Generate exam questions for a university exam.\n")
	b.WriteString("CRITICAL: Return ONLY a valid JSON array. No preamble, no markdown, no backticks.\n\n")
	fmt.Fprintf(&b, "Generate exactly %d multiple-choice questions (MCQ).\n", req.Count)
	fmt.Fprintf(&b, "Subject: %s\n", req.Subject)
	fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	fmt.Fprintf(&b, "Difficulty: %s\n", req.Difficulty)
	b.WriteString(`
JSON schema per question:
{"text": "string", "options": ["string"], "correctAnswer": "string", "marks": number}

Use exactly 4 options. correctAnswer must match one option exactly.
`)
	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

// parseQuestions decodes the model output, tolerating code fences and
// surrounding prose.
func parseQuestions(raw string) ([]generatedQuestion, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var out []generatedQuestion
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, nil
	}

	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("response is not a JSON array")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode generated questions: %w", err)
	}
	return out, nil
}

// validateQuestions keeps well-formed items: a prompt, at least two options
// and a correct answer that is one of them.
func validateQuestions(in []generatedQuestion) []model.Question {
	var out []model.Question
	for _, g := range in {
		text := strings.TrimSpace(g.Text)
		if text == "" || len(g.Options) < 2 {
			continue
		}
		q := model.Question{
			ID:            "ai-" + uuid.NewString(),
			Text:          text,
			Type:          model.QuestionTypeMCQ,
			Options:       g.Options,
			CorrectAnswer: g.CorrectAnswer,
			Marks:         int(g.Marks),
		}
		if !q.HasOption(q.CorrectAnswer) {
			continue
		}
		if q.Marks <= 0 {
			q.Marks = 1
		}
		out = append(out, q)
	}
	return out
}
