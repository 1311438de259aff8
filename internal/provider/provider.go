// Package provider supplies exam questions, either generated by a remote
// language model or by a deterministic local generator.
package provider

import (
	"context"
	"errors"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrProviderFailure marks a provider that errored or returned unusable data.
var ErrProviderFailure = errors.New("question provider failure")

// Request describes the batch of questions to produce.
type Request struct {
	Subject    string
	Topic      string
	Difficulty string
	Count      int
}

// Provider generates questions for an exam.
type Provider interface {
	Generate(ctx context.Context, req Request) ([]model.Question, error)
}
