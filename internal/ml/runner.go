package ml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// PixelSource yields per-pixel feature vectors and io.EOF at the end.
type PixelSource interface {
	Next() ([]float32, error)
}

// Runner feeds a pixel source through a model one batch at a time.
type Runner struct {
	Model Model
	// BatchSize is the number of pixels per predict call, one patch worth.
	BatchSize int
	// Steps caps the number of batches; zero runs until the source ends.
	Steps int
	// NumClasses, when set, is checked against every score vector.
	NumClasses int
	// Progress receives the progress bar; nil writes to stderr.
	Progress io.Writer
}

// Run emits one prediction per input pixel, in input order. It returns the
// number of pixels predicted.
func (r *Runner) Run(ctx context.Context, source PixelSource, emit func(Prediction) error) (int, error) {
	if r.BatchSize <= 0 {
		return 0, fmt.Errorf("invalid batch size %d", r.BatchSize)
	}
	out := r.Progress
	if out == nil {
		out = os.Stderr
	}
	total := int64(-1)
	if r.Steps > 0 {
		total = int64(r.Steps)
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Running predictions"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("patches"),
		progressbar.OptionShowIts(),
	)
	defer bar.Finish()

	predicted := 0
	for step := 0; r.Steps <= 0 || step < r.Steps; step++ {
		batch, err := readBatch(source, r.BatchSize)
		if err != nil {
			return predicted, err
		}
		if len(batch) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return predicted, err
		}

		output, err := r.Model.Predict(ctx, batch)
		if err != nil {
			return predicted, fmt.Errorf("predict failed on batch %d: %w", step, err)
		}
		if err := checkOutput(batch, output, r.NumClasses); err != nil {
			return predicted, fmt.Errorf("batch %d: %w", step, err)
		}
		for _, scores := range output {
			if err := emit(NewPrediction(scores)); err != nil {
				return predicted, err
			}
			predicted++
		}
		bar.Add(1)

		if len(batch) < r.BatchSize {
			break
		}
	}
	return predicted, nil
}

func readBatch(source PixelSource, size int) ([][]float32, error) {
	batch := make([][]float32, 0, size)
	for len(batch) < size {
		pixel, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, pixel)
	}
	return batch, nil
}
