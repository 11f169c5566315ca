package ml

import (
	"context"
	"fmt"
)

// Model maps a batch of per-pixel feature vectors to a batch of per-class
// score vectors. Implementations are opaque to the runner.
type Model interface {
	Predict(ctx context.Context, batch [][]float32) ([][]float32, error)
	Close() error
}

// Prediction is the classifier output for one pixel.
type Prediction struct {
	Class  int
	Scores []float32
}

// NewPrediction picks the arg-max class. Ties resolve to the lowest index.
func NewPrediction(scores []float32) Prediction {
	class := 0
	for i, s := range scores {
		if s > scores[class] {
			class = i
		}
	}
	return Prediction{Class: class, Scores: append([]float32(nil), scores...)}
}

// FuncModel adapts a plain function to the Model interface.
type FuncModel func(ctx context.Context, batch [][]float32) ([][]float32, error)

func (f FuncModel) Predict(ctx context.Context, batch [][]float32) ([][]float32, error) {
	return f(ctx, batch)
}

func (f FuncModel) Close() error {
	return nil
}

func checkOutput(batch, output [][]float32, numClasses int) error {
	if len(output) != len(batch) {
		return fmt.Errorf("model returned %d predictions for a batch of %d pixels", len(output), len(batch))
	}
	for i, scores := range output {
		if numClasses > 0 && len(scores) != numClasses {
			return fmt.Errorf("prediction %d has %d scores, expected %d", i, len(scores), numClasses)
		}
		if len(scores) == 0 {
			return fmt.Errorf("prediction %d has no scores", i)
		}
	}
	return nil
}
