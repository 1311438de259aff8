package proctor

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultClassifierInterval is how often the simulated classifier samples.
const DefaultClassifierInterval = 3 * time.Second

// SimulatedClassifier stands in for camera/audio analysis: every interval it
// draws r in [0,1) and reports an anomaly for the top few percent.
type SimulatedClassifier struct {
	Interval time.Duration
	// Rand returns values in [0,1); defaults to math/rand/v2.
	Rand func() float64
}

// Classify maps a sample to an anomaly category, or ok=false when normal.
func Classify(r float64) (model.EventCategory, string, bool) {
	switch {
	case r > 0.98:
		return model.CategoryMultipleFaces, "Suspicious activity: Multiple people detected (Simulated)", true
	case r > 0.96:
		return model.CategoryFaceNotVisible, "Suspicious activity: Face not clearly visible (Simulated)", true
	case r > 0.94:
		return model.CategoryGazeDeviation, "Suspicious activity: Frequent off-screen gaze detected (Simulated)", true
	}
	return "", "", false
}

func (s *SimulatedClassifier) Watch(ctx context.Context, emit func(Signal)) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultClassifierInterval
	}
	draw := s.Rand
	if draw == nil {
		draw = rand.Float64
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if cat, msg, ok := Classify(draw()); ok {
				emit(Signal{Kind: SignalAnomaly, Category: cat, Message: msg})
			}
		}
	}
}
