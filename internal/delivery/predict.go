// Package delivery wires the pipeline stages into the jobs the CLI runs.
package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest-guardian/aces-landcover/internal/dataset"
	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/ml"
	"github.com/forest-guardian/aces-landcover/internal/output"
	"github.com/forest-guardian/aces-landcover/internal/properties"
	"github.com/forest-guardian/aces-landcover/internal/storage"
	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
)

const PyramidingPolicyMode = "mode"

type PredictionJob struct {
	Config properties.Config
	// Tiles lists and reads the exported tiles and mixer.
	Tiles storage.Storage
	// Publisher copies the prediction file to Cloud Storage.
	Publisher storage.Storage
	Registry  storage.AssetRegistry
	Model     ml.Model
	Progress  io.Writer
}

type PredictionResult struct {
	Tiles      []string
	Mixer      string
	Patches    int
	Pixels     int
	Dropped    int
	OutputFile string
	OutputPath string
	AssetID    string
}

// ExportedFiles splits a listing into the sorted tile files and the mixer.
func ExportedFiles(files []string) (tiles []string, mixer string, err error) {
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".tfrecord.gz"):
			tiles = append(tiles, f)
		case strings.HasSuffix(f, ".json"):
			mixer = f
		}
	}
	if len(tiles) == 0 {
		return nil, "", fmt.Errorf("no exported .tfrecord.gz tiles found")
	}
	if mixer == "" {
		return nil, "", fmt.Errorf("no mixer .json found next to the exported tiles")
	}
	return tiles, mixer, nil
}

func (j *PredictionJob) readMixer(ctx context.Context, path string) (dataset.Mixer, error) {
	rc, err := j.Tiles.Open(ctx, path)
	if err != nil {
		return dataset.Mixer{}, err
	}
	defer rc.Close()
	return dataset.ReadMixer(rc)
}

// Run classifies every exported tile, writes the prediction file and, unless
// publishing is disabled, uploads it and registers it as an asset.
func (j *PredictionJob) Run(ctx context.Context) (*PredictionResult, error) {
	cfg := j.Config
	prefix := cfg.ImageDirPrefix()
	files, err := j.Tiles.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	tiles, mixerPath, err := ExportedFiles(files)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
	mixer, err := j.readMixer(ctx, mixerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mixer %s: %w", mixerPath, err)
	}
	if err := cfg.CheckPatchShape(mixer.PatchWidth(), mixer.PatchHeight()); err != nil {
		logger.Warnf("%v, using the mixer dimensions", err)
	}
	features := cfg.Features()
	logger.Infof("Predicting %d patches of %dx%d from %d tile files with features %v",
		mixer.TotalPatches, mixer.PatchWidth(), mixer.PatchHeight(), len(tiles), features)

	result := &PredictionResult{Tiles: tiles, Mixer: mixerPath, OutputFile: cfg.OutputImageFile()}
	if err := os.MkdirAll(filepath.Dir(result.OutputFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create prediction directory: %w", err)
	}
	f, err := os.Create(result.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction file: %w", err)
	}
	defer f.Close()

	decoder := dataset.NewPixelDecoder(ctx, tiles, j.Tiles.Open, features, mixer, cfg.KernelBufferSize())
	defer decoder.Close()

	w := tfrecord.NewWriter(f, tfrecord.CompressionNone)
	patches := output.NewPatchWriter(w, mixer.PatchWidth(), mixer.PatchHeight(), mixer.TotalPatches, cfg.ClassNames)
	runner := &ml.Runner{
		Model:      j.Model,
		BatchSize:  mixer.PatchPixels(),
		Steps:      mixer.TotalPatches,
		NumClasses: len(cfg.ClassNames),
		Progress:   j.Progress,
	}

	logger.Info("Running predictions...")
	result.Pixels, err = runner.Run(ctx, decoder, patches.Add)
	if err != nil {
		return nil, err
	}
	logger.Info("Writing predictions...")
	result.Dropped = patches.Finish()
	result.Patches = patches.Patches()
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush prediction file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close prediction file: %w", err)
	}
	logger.Infof("Wrote %d patches to %s", result.Patches, result.OutputFile)

	if cfg.SkipPublish {
		return result, nil
	}
	return result, j.publish(ctx, result)
}

func (j *PredictionJob) publish(ctx context.Context, result *PredictionResult) error {
	cfg := j.Config
	result.OutputPath = cfg.OutputGCSPath()
	if err := j.Publisher.Copy(ctx, result.OutputFile, result.OutputPath); err != nil {
		return err
	}
	logger.Infof("Uploaded prediction to %s", result.OutputPath)

	if j.Registry == nil {
		return nil
	}
	id, err := j.Registry.RegisterAsset(ctx, result.OutputPath, storage.AssetMetadata{
		AssetID:          cfg.OutputAssetID(),
		PyramidingPolicy: PyramidingPolicyMode,
		MixerPath:        result.Mixer,
	})
	if err != nil {
		return err
	}
	result.AssetID = id
	return nil
}
