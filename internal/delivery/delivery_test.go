package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/forest-guardian/aces-landcover/internal/cache"
	"github.com/forest-guardian/aces-landcover/internal/dataset"
	"github.com/forest-guardian/aces-landcover/internal/earthengine"
	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/ml"
	"github.com/forest-guardian/aces-landcover/internal/output"
	"github.com/forest-guardian/aces-landcover/internal/properties"
	"github.com/forest-guardian/aces-landcover/internal/session"
	"github.com/forest-guardian/aces-landcover/internal/storage"
	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
	"github.com/gocarina/gocsv"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func writeTile(t *testing.T, path string, records []map[string][]float32) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := tfrecord.NewWriter(f, tfrecord.CompressionGZIP)
	for _, r := range records {
		ex := tfrecord.NewExample()
		for name, values := range r {
			ex.Features[name] = tfrecord.FloatFeature(values)
		}
		require.NoError(t, w.Write(ex.Marshal()))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// classModel scores the class named by the first feature of each pixel.
var classModel = ml.FuncModel(func(_ context.Context, batch [][]float32) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, px := range batch {
		scores := []float32{0.1, 0.1, 0.1, 0.1, 0.1}
		scores[int(px[0])%5] = 0.6
		out[i] = scores
	}
	return out, nil
})

func predictionConfig(t *testing.T, tileDir string, extra string) properties.Config {
	t.Helper()
	cfg, err := properties.Parse([]byte(fmt.Sprintf(`
model_dir: %s
output_name: run1
gcs_bucket: aces-bucket
local_image_dir: %s
gcs_image_prefix: image
ee_output_asset: projects/aces/assets/outputs
features: [a, b]
%s`, t.TempDir(), tileDir, extra)))
	require.NoError(t, err)
	return cfg
}

func readPredictions(t *testing.T, path string) [][]int64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := tfrecord.NewReader(f, tfrecord.CompressionNone)
	require.NoError(t, err)

	var patches [][]int64
	for {
		record, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		patch, err := output.DecodePredictionRecord(record, properties.DefaultClassNames)
		require.NoError(t, err)
		patches = append(patches, patch.Classes)
	}
	return patches
}

func TestExportedFiles(t *testing.T) {
	tiles, mixer, err := ExportedFiles([]string{"gs://b/image-00000.tfrecord.gz", "gs://b/image.json", "gs://b/image-00001.tfrecord.gz", "gs://b/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gs://b/image-00000.tfrecord.gz", "gs://b/image-00001.tfrecord.gz"}, tiles)
	assert.Equal(t, "gs://b/image.json", mixer)

	_, _, err = ExportedFiles([]string{"gs://b/image.json"})
	assert.ErrorContains(t, err, "no exported")
	_, _, err = ExportedFiles([]string{"gs://b/image-00000.tfrecord.gz"})
	assert.ErrorContains(t, err, "no mixer")
}

func TestPredictionJob(t *testing.T) {
	tileDir := t.TempDir()
	writeTile(t, filepath.Join(tileDir, "image-00000.tfrecord.gz"), []map[string][]float32{
		{"a": {0, 1, 2, 0}, "b": {9, 9, 9, 9}},
	})
	writeTile(t, filepath.Join(tileDir, "image-00001.tfrecord.gz"), []map[string][]float32{
		{"a": {3, 4, 3, 4}, "b": {9, 9, 9, 9}},
	})
	mixerPath := filepath.Join(tileDir, "image.json")
	require.NoError(t, os.WriteFile(mixerPath, []byte(`{"patchDimensions": [2, 2], "totalPatches": 2}`), 0644))

	cfg := predictionConfig(t, tileDir, "")
	runner := &storage.FakeCommandRunner{Output: "Started upload task"}
	job := &PredictionJob{
		Config:    cfg,
		Tiles:     &storage.Local{},
		Publisher: &storage.GSUtil{Runner: runner},
		Registry:  &storage.EarthEngineCLI{Runner: runner},
		Model:     classModel,
		Progress:  io.Discard,
	}

	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Patches)
	assert.Equal(t, 8, result.Pixels)
	assert.Equal(t, 0, result.Dropped)
	assert.Equal(t, "projects/aces/assets/outputs/run1", result.AssetID)
	assert.Equal(t, "gs://aces-bucket/prediction/run1.TFRecord", result.OutputPath)

	assert.Equal(t, [][]int64{{0, 1, 2, 0}, {3, 4, 3, 4}}, readPredictions(t, result.OutputFile))
	require.Len(t, runner.Calls, 2)
	assert.Equal(t, []string{"gsutil", "cp", result.OutputFile, "gs://aces-bucket/prediction/run1.TFRecord"}, runner.Calls[0])
	assert.Equal(t, []string{
		"earthengine", "upload", "image",
		"--asset_id=projects/aces/assets/outputs/run1",
		"--pyramiding_policy=mode",
		"gs://aces-bucket/prediction/run1.TFRecord",
		mixerPath,
	}, runner.Calls[1])
}

func TestPredictionJobKernelBufferAndSkipPublish(t *testing.T) {
	tileDir := t.TempDir()
	// 2x2 patch exported with a 2 pixel buffer: 4x4 values, interior at (1..2, 1..2).
	a := []float32{
		9, 9, 9, 9,
		9, 1, 2, 9,
		9, 3, 4, 9,
		9, 9, 9, 9,
	}
	writeTile(t, filepath.Join(tileDir, "image-00000.tfrecord.gz"), []map[string][]float32{{"a": a, "b": a}})
	require.NoError(t, os.WriteFile(filepath.Join(tileDir, "image.json"), []byte(`{"patchDimensions": [2, 2], "totalPatches": 1}`), 0644))

	cfg := predictionConfig(t, tileDir, "kernel_buffer: [2, 2]\nskip_publish: true")
	job := &PredictionJob{Config: cfg, Tiles: &storage.Local{}, Model: classModel, Progress: io.Discard}

	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.OutputPath)
	assert.Equal(t, [][]int64{{1, 2, 3, 4}}, readPredictions(t, result.OutputFile))
}

func TestPredictionJobMalformedTile(t *testing.T) {
	tileDir := t.TempDir()
	writeTile(t, filepath.Join(tileDir, "image-00000.tfrecord.gz"), []map[string][]float32{{"a": {1, 2, 3, 4}}})
	require.NoError(t, os.WriteFile(filepath.Join(tileDir, "image.json"), []byte(`{"patchDimensions": [2, 2], "totalPatches": 1}`), 0644))

	job := &PredictionJob{Config: predictionConfig(t, tileDir, ""), Tiles: &storage.Local{}, Model: classModel, Progress: io.Discard}
	_, err := job.Run(context.Background())
	assert.ErrorIs(t, err, dataset.ErrMalformedRecord)
}

func TestPredictionJobWholeLocalDirectory(t *testing.T) {
	tileDir := t.TempDir()
	writeTile(t, filepath.Join(tileDir, "a.tfrecord.gz"), []map[string][]float32{
		{"a": {0, 1, 2, 0}, "b": {9, 9, 9, 9}},
	})
	require.NoError(t, os.WriteFile(filepath.Join(tileDir, "a.json"), []byte(`{"patchDimensions": [2, 2], "totalPatches": 1}`), 0644))

	cfg, err := properties.Parse([]byte(fmt.Sprintf(`
model_dir: %s
local_image_dir: %s
skip_publish: true
features: [a, b]
`, t.TempDir(), tileDir)))
	require.NoError(t, err)

	files, err := (&storage.Local{}).List(context.Background(), cfg.ImageDirPrefix())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(tileDir, "a.json"), filepath.Join(tileDir, "a.tfrecord.gz")}, files)

	job := &PredictionJob{Config: cfg, Tiles: &storage.Local{}, Model: classModel, Progress: io.Discard}
	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{0, 1, 2, 0}}, readPredictions(t, result.OutputFile))
}

type fakeFetcher struct {
	calls int32
	fail  map[string]error
}

func (f *fakeFetcher) patch(center orb.Point, bands []string, size int) (*dataset.Patch, error) {
	atomic.AddInt32(&f.calls, 1)
	key := fmt.Sprintf("%g,%g", center.Lon(), center.Lat())
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	p := dataset.NewPatch(size, size, bands)
	for _, b := range bands {
		for i := range p.Values[b] {
			p.Values[b][i] = float32(center.Lon())
		}
	}
	if center.Lat() < 0 {
		p.Values[bands[0]][0] = float32(math.NaN())
	}
	return p, nil
}

func (f *fakeFetcher) GetTrainingPatch(_ context.Context, center orb.Point, _ earthengine.Value, bands []string, _ float64, patchSize int) (*dataset.Patch, error) {
	return f.patch(center, bands, patchSize)
}

func (f *fakeFetcher) ComputePatch(_ context.Context, center orb.Point, _ earthengine.Value, bands []string, patchSize int, _, _ float64) (*dataset.Patch, error) {
	return f.patch(center, bands, patchSize)
}

func samplePoints(n int) []*dataset.SamplePoint {
	points := make([]*dataset.SamplePoint, n)
	for i := range points {
		lat := 10.0
		if i%5 == 4 {
			lat = -10
		}
		points[i] = &dataset.SamplePoint{ID: fmt.Sprintf("p%d", i), Longitude: float64(i), Latitude: lat, Label: "rice"}
	}
	return points
}

func patchExportConfig(t *testing.T) properties.PatchExportConfig {
	cfg := properties.Default().PatchExport
	cfg.OutputDir = t.TempDir()
	cfg.Bands = []string{"B2", "B3"}
	cfg.PatchSize = 2
	cfg.Workers = 3
	cfg.Seed = 7
	return cfg
}

func countRecords(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := tfrecord.NewReader(f, tfrecord.CompressionGZIP)
	require.NoError(t, err)
	n := 0
	for {
		record, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n
		}
		require.NoError(t, err)
		ex, err := tfrecord.UnmarshalExample(record)
		require.NoError(t, err)
		assert.Len(t, ex.Features["B2"].Floats, 4)
		n++
	}
}

func TestPatchExportJob(t *testing.T) {
	fetcher := &fakeFetcher{}
	job := &PatchExportJob{
		Config:     patchExportConfig(t),
		Image:      earthengine.ImageLoad("users/aces/composite"),
		Points:     samplePoints(20),
		NewFetcher: func(context.Context) (PatchFetcher, error) { return fetcher, nil },
		Progress:   io.Discard,
	}

	result, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Filtered)
	written := 0
	for _, split := range dataset.AllSplits() {
		assert.Equal(t, result.Written[split], countRecords(t, result.Shards[split]), split.String())
		written += result.Written[split]
	}
	assert.Equal(t, 16, written)

	f, err := os.Open(result.Manifest)
	require.NoError(t, err)
	defer f.Close()
	var rows []*ManifestRow
	require.NoError(t, gocsv.UnmarshalFile(f, &rows))
	require.Len(t, rows, 20)
	assert.Equal(t, "p0", rows[0].ID)
	assert.Equal(t, StatusFiltered, rows[4].Status)
	assert.Equal(t, StatusWritten, rows[5].Status)
}

func TestPatchExportJobUsesCache(t *testing.T) {
	cfg := patchExportConfig(t)
	patchCache := cache.NewFileCache[*dataset.Patch](t.TempDir())
	fetcher := &fakeFetcher{}
	job := &PatchExportJob{
		Config:     cfg,
		Image:      earthengine.ImageLoad("x"),
		Points:     samplePoints(4),
		NewFetcher: func(context.Context) (PatchFetcher, error) { return fetcher, nil },
		Cache:      patchCache,
		Progress:   io.Discard,
	}
	_, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fetcher.calls))

	_, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fetcher.calls))
}

func TestPatchExportJobStopsOnError(t *testing.T) {
	fetcher := &fakeFetcher{fail: map[string]error{"2,10": &earthengine.HTTPError{StatusCode: http.StatusForbidden}}}
	job := &PatchExportJob{
		Config:     patchExportConfig(t),
		Image:      earthengine.ImageLoad("x"),
		Points:     samplePoints(6),
		NewFetcher: func(context.Context) (PatchFetcher, error) { return fetcher, nil },
		Progress:   io.Discard,
	}

	_, err := job.Run(context.Background())
	var httpErr *earthengine.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.ErrorContains(t, err, "point p2")
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *earthengine.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := session.Open(context.Background(), session.Options{HTTPClient: srv.Client(), BaseURL: srv.URL, Project: "test"})
	require.NoError(t, err)
	return earthengine.NewClient(s)
}

func TestExportSampledTable(t *testing.T) {
	var exportBody []byte
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/projects/test/value:compute":
			fmt.Fprint(w, `{"result": ["landcover"]}`)
		case "/v1/projects/test/table:export":
			exportBody, _ = io.ReadAll(r.Body)
			fmt.Fprint(w, `{"name": "projects/test/operations/OP"}`)
		}
	})

	cfg := properties.Default().TableExport
	cfg.Image = "users/aces/composite"
	cfg.Collection = "users/aces/points"
	cfg.Description = "training_2024"
	task, err := ExportSampledTable(context.Background(), client, "aces-bucket", cfg)
	require.NoError(t, err)
	assert.Equal(t, "projects/test/operations/OP", task.Operation)
	assert.True(t, bytes.Contains(exportBody, []byte(`"Image.sampleRegions"`)))
	assert.True(t, bytes.Contains(exportBody, []byte(`"bucket":"aces-bucket"`)))

	cfg.Target = "drive"
	_, err = ExportSampledTable(context.Background(), client, "aces-bucket", cfg)
	assert.ErrorIs(t, err, earthengine.ErrNotImplemented)
}

func TestComputeStatistics(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"Collection.geometry"`)
		fmt.Fprint(w, `{"result": {"B2_min": 0.01, "B2_max": 0.4}}`)
	})
	stats, err := ComputeStatistics(context.Background(), client, "users/aces/composite", "users/aces/region", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"B2_min": 0.01, "B2_max": 0.4}, stats)
}
