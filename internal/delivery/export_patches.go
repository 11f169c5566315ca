package delivery

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forest-guardian/aces-landcover/internal/cache"
	"github.com/forest-guardian/aces-landcover/internal/dataset"
	"github.com/forest-guardian/aces-landcover/internal/earthengine"
	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/properties"
	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
	"github.com/gammazero/workerpool"
	"github.com/gocarina/gocsv"
	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
)

// metresPerDegree converts a metre scale to an EPSG:4326 pixel size at the
// equator.
const metresPerDegree = 111320.0

const (
	StatusWritten  = "written"
	StatusFiltered = "filtered"
)

// PatchFetcher downloads the pixels around one sample point.
type PatchFetcher interface {
	GetTrainingPatch(ctx context.Context, center orb.Point, image earthengine.Value, bands []string, scale float64, patchSize int) (*dataset.Patch, error)
	ComputePatch(ctx context.Context, center orb.Point, image earthengine.Value, bands []string, patchSize int, scaleX, scaleY float64) (*dataset.Patch, error)
}

type PatchExportJob struct {
	Config properties.PatchExportConfig
	Image  earthengine.Value
	Points []*dataset.SamplePoint
	// NewFetcher is called once per point so every worker holds its own
	// authenticated session.
	NewFetcher func(ctx context.Context) (PatchFetcher, error)
	// Cache, when set, keeps downloaded patches between runs.
	Cache    cache.Cache[*dataset.Patch]
	Progress io.Writer
}

type ManifestRow struct {
	ID        string  `csv:"id"`
	Longitude float64 `csv:"longitude"`
	Latitude  float64 `csv:"latitude"`
	Label     string  `csv:"label"`
	Split     string  `csv:"split"`
	Status    string  `csv:"status"`
}

type PatchExportResult struct {
	Written  map[dataset.Split]int
	Filtered int
	Shards   map[dataset.Split]string
	Manifest string
}

type fetched struct {
	index int
	patch *dataset.Patch
	err   error
}

func ShardPath(dir string, split dataset.Split) string {
	return filepath.Join(dir, split.String()+".tfrecord.gz")
}

// Run downloads a patch per sample point on a bounded worker pool, drops
// patches with non-finite values and writes the rest as tf.Examples into
// training, validation and testing shards. The first download error stops
// the export.
func (j *PatchExportJob) Run(ctx context.Context) (*PatchExportResult, error) {
	cfg := j.Config
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	rows := make([]*ManifestRow, len(j.Points))
	for i, p := range j.Points {
		rows[i] = &ManifestRow{
			ID:        p.ID,
			Longitude: p.Longitude,
			Latitude:  p.Latitude,
			Label:     p.Label,
			Split:     dataset.ChooseSplit(rng, cfg.ValidationRatio, cfg.TestRatio).String(),
		}
	}

	result := &PatchExportResult{
		Written:  make(map[dataset.Split]int),
		Shards:   make(map[dataset.Split]string),
		Manifest: filepath.Join(cfg.OutputDir, "manifest.csv"),
	}
	shards, err := openShards(cfg.OutputDir, result.Shards)
	if err != nil {
		return nil, err
	}
	defer shards.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetched, cfg.Workers)
	wp := workerpool.New(cfg.Workers)
	for i, p := range j.Points {
		wp.Submit(func() {
			patch, err := j.fetch(ctx, p)
			results <- fetched{index: i, patch: patch, err: err}
		})
	}
	go func() {
		wp.StopWait()
		close(results)
	}()

	bar := progressbar.NewOptions(len(j.Points),
		progressbar.OptionSetWriter(progressWriter(j.Progress)),
		progressbar.OptionSetDescription("Exporting patches"),
		progressbar.OptionShowCount(),
	)
	var firstErr error
	for r := range results {
		bar.Add(1)
		if firstErr != nil {
			continue
		}
		row := rows[r.index]
		if r.err != nil {
			firstErr = fmt.Errorf("point %s: %w", row.ID, r.err)
			cancel()
			continue
		}
		if !r.patch.IsGood() {
			logger.Debugf("Dropping patch %s with non-finite values", row.ID)
			row.Status = StatusFiltered
			result.Filtered++
			continue
		}
		split := splitByName(row.Split)
		if err := shards.writers[split].Write(r.patch.ToExample().Marshal()); err != nil {
			firstErr = fmt.Errorf("failed to write patch %s: %w", row.ID, err)
			cancel()
			continue
		}
		row.Status = StatusWritten
		result.Written[split]++
	}
	bar.Finish()
	if firstErr != nil {
		return nil, firstErr
	}

	if err := shards.close(); err != nil {
		return nil, err
	}
	if err := writeManifest(result.Manifest, rows); err != nil {
		return nil, err
	}
	logger.Infof("Exported %d training, %d validation and %d testing patches, filtered %d",
		result.Written[dataset.SplitTraining], result.Written[dataset.SplitValidation], result.Written[dataset.SplitTesting], result.Filtered)
	return result, nil
}

func (j *PatchExportJob) fetch(ctx context.Context, p *dataset.SamplePoint) (*dataset.Patch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := j.Config
	var key string
	if j.Cache != nil {
		key = j.Cache.Key(p.Longitude, p.Latitude, j.Image, strings.Join(cfg.Bands, ","), cfg.Scale, cfg.PatchSize, cfg.UseComputePixels)
		if patch, ok := j.Cache.Get(key); ok {
			return patch, nil
		}
	}

	fetcher, err := j.NewFetcher(ctx)
	if err != nil {
		return nil, err
	}
	var patch *dataset.Patch
	if cfg.UseComputePixels {
		size := cfg.Scale / metresPerDegree
		patch, err = fetcher.ComputePatch(ctx, p.Point(), j.Image, cfg.Bands, cfg.PatchSize, size, -size)
	} else {
		patch, err = fetcher.GetTrainingPatch(ctx, p.Point(), j.Image, cfg.Bands, cfg.Scale, cfg.PatchSize)
	}
	if err != nil {
		return nil, err
	}

	if j.Cache != nil {
		if err := j.Cache.Set(key, patch); err != nil {
			logger.Warnf("Failed to cache patch %s: %v", p.ID, err)
		}
	}
	return patch, nil
}

type shardSet struct {
	files   []*os.File
	writers map[dataset.Split]*tfrecord.Writer
	once    sync.Once
	err     error
}

func openShards(dir string, paths map[dataset.Split]string) (*shardSet, error) {
	s := &shardSet{writers: make(map[dataset.Split]*tfrecord.Writer)}
	for _, split := range dataset.AllSplits() {
		path := ShardPath(dir, split)
		f, err := os.Create(path)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to create shard %s: %w", path, err)
		}
		s.files = append(s.files, f)
		s.writers[split] = tfrecord.NewWriter(f, tfrecord.CompressionGZIP)
		paths[split] = path
	}
	return s, nil
}

func (s *shardSet) close() error {
	s.once.Do(func() {
		for _, w := range s.writers {
			if err := w.Close(); err != nil && s.err == nil {
				s.err = fmt.Errorf("failed to flush shard: %w", err)
			}
		}
		for _, f := range s.files {
			if err := f.Close(); err != nil && s.err == nil {
				s.err = fmt.Errorf("failed to close shard: %w", err)
			}
		}
	})
	return s.err
}

func splitByName(name string) dataset.Split {
	for _, s := range dataset.AllSplits() {
		if s.String() == name {
			return s
		}
	}
	return dataset.SplitTraining
}

func writeManifest(path string, rows []*ManifestRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return f.Close()
}

func progressWriter(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}
