package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Failover asks Primary first and falls back to Fallback when Primary is
// missing, errors or returns nothing usable. Provider failures are logged,
// never returned.
type Failover struct {
	Primary  Provider
	Fallback Provider
	log      zerolog.Logger
}

// NewFailover creates a Failover. A nil fallback uses Local.
func NewFailover(primary, fallback Provider, log zerolog.Logger) *Failover {
	if fallback == nil {
		fallback = Local{}
	}
	return &Failover{
		Primary:  primary,
		Fallback: fallback,
		log:      log.With().Str("component", "question_provider").Logger(),
	}
}

func (f *Failover) Generate(ctx context.Context, req Request) ([]model.Question, error) {
	if f.Primary != nil {
		questions, err := f.Primary.Generate(ctx, req)
		switch {
		case err != nil:
			f.log.Warn().Err(err).Str("subject", req.Subject).Msg("Question generation failed, using local generator")
		case len(questions) == 0:
			f.log.Warn().Str("subject", req.Subject).Msg("Question generation returned nothing, using local generator")
		default:
			return questions, nil
		}
	} else {
		f.log.Debug().Msg("No question model configured, using local generator")
	}

	questions, err := f.Fallback.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fallback generator: %w", err)
	}
	return questions, nil
}
