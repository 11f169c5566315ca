package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/forest-guardian/aces-landcover/internal/logger"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var ErrNothingToPlot = errors.New("no metric could be plotted")

// History is a Keras training history: metric name to one value per epoch.
// Validation values are stored under "val_<metric>".
type History map[string][]float64

func ReadHistory(r io.Reader) (History, error) {
	var h History
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode training history: %w", err)
	}
	return h, nil
}

// PlotMetrics writes one "<metric>.png" chart per metric into dir and returns
// the written paths. A metric without both training and validation values is
// logged and skipped.
func PlotMetrics(h History, metrics []string, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}
	var written []string
	for _, metric := range metrics {
		path := filepath.Join(dir, metric+".png")
		if err := plotMetric(h, metric, path); err != nil {
			logger.Warnf("Skipping metric %s: %v", metric, err)
			continue
		}
		written = append(written, path)
	}
	if len(written) == 0 {
		return nil, ErrNothingToPlot
	}
	return written, nil
}

func plotMetric(h History, metric, path string) error {
	train, ok := h[metric]
	if !ok || len(train) == 0 {
		return fmt.Errorf("no training values recorded")
	}

	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metric

	line, err := plotter.NewLine(epochs(train))
	if err != nil {
		return err
	}
	line.Color = color.RGBA{B: 200, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("training", line)

	val, ok := h["val_"+metric]
	if !ok || len(val) == 0 {
		return fmt.Errorf("no validation values recorded")
	}
	vline, err := plotter.NewLine(epochs(val))
	if err != nil {
		return err
	}
	vline.Color = color.RGBA{R: 220, G: 100, A: 255}
	vline.Width = vg.Points(1.5)
	vline.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(vline)
	p.Legend.Add("validation", vline)
	p.Add(plotter.NewGrid())

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

func epochs(values []float64) plotter.XYs {
	xys := make(plotter.XYs, len(values))
	for i, v := range values {
		xys[i] = plotter.XY{X: float64(i + 1), Y: v}
	}
	return xys
}
