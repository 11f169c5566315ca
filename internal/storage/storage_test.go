package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestGSUtilList(t *testing.T) {
	runner := &FakeCommandRunner{Output: "gs://bucket/images/tile_b-00001.tfrecord.gz\n" +
		"gs://bucket/images/tile_a-00000.tfrecord.gz\n\n" +
		"gs://bucket/images/tile_a.json\n"}
	g := &GSUtil{Runner: runner}

	files, err := g.List(context.Background(), "gs://bucket/images/tile")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"gs://bucket/images/tile_a-00000.tfrecord.gz",
		"gs://bucket/images/tile_a.json",
		"gs://bucket/images/tile_b-00001.tfrecord.gz",
	}, files)
	assert.Equal(t, [][]string{{"gsutil", "ls", "gs://bucket/images/tile*"}}, runner.Calls)
}

func TestGSUtilCopyAndOpen(t *testing.T) {
	runner := &FakeCommandRunner{Responses: map[string]string{
		"gsutil cat gs://bucket/mixer.json": `{"totalPatches": 4}`,
	}}
	g := &GSUtil{Runner: runner}

	require.NoError(t, g.Copy(context.Background(), "/tmp/out.TFRecord", "gs://bucket/prediction/out.TFRecord"))
	rc, err := g.Open(context.Background(), "gs://bucket/mixer.json")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"totalPatches": 4}`, string(body))
	assert.Equal(t, []string{"gsutil", "cp", "/tmp/out.TFRecord", "gs://bucket/prediction/out.TFRecord"}, runner.Calls[0])
	assert.Equal(t, []string{"gsutil", "cat", "gs://bucket/mixer.json"}, runner.Calls[1])
}

func TestGSUtilErrors(t *testing.T) {
	g := &GSUtil{Runner: &FakeCommandRunner{ErrStr: "AccessDeniedException: 403"}}

	_, err := g.List(context.Background(), "gs://bucket/x")
	assert.ErrorContains(t, err, "AccessDeniedException")
	assert.ErrorContains(t, g.Copy(context.Background(), "a", "gs://b/a"), "failed to copy")
	_, err = g.Open(context.Background(), "gs://b/a")
	assert.ErrorContains(t, err, "failed to read")
}

func TestEarthEngineCLIRegisterAsset(t *testing.T) {
	runner := &FakeCommandRunner{Output: "Started upload task with ID: ABC\n"}
	registry := &EarthEngineCLI{Runner: runner}

	id, err := registry.RegisterAsset(context.Background(), "gs://bucket/prediction/run1.TFRecord", AssetMetadata{
		AssetID:          "projects/aces/assets/outputs/run1",
		PyramidingPolicy: "mode",
		MixerPath:        "gs://bucket/images/tile.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "projects/aces/assets/outputs/run1", id)
	assert.Equal(t, [][]string{{
		"earthengine", "upload", "image",
		"--asset_id=projects/aces/assets/outputs/run1",
		"--pyramiding_policy=mode",
		"gs://bucket/prediction/run1.TFRecord",
		"gs://bucket/images/tile.json",
	}}, runner.Calls)

	_, err = registry.RegisterAsset(context.Background(), "x", AssetMetadata{})
	assert.ErrorContains(t, err, "asset id is required")
}

func TestLocalStorage(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"tile-00001.tfrecord.gz", "tile-00000.tfrecord.gz", "tile.json", "other.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	}
	l := &Local{}

	files, err := l.List(context.Background(), filepath.Join(dir, "tile"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "tile-00000.tfrecord.gz"),
		filepath.Join(dir, "tile-00001.tfrecord.gz"),
		filepath.Join(dir, "tile.json"),
	}, files)

	dst := filepath.Join(dir, "nested", "copy.json")
	require.NoError(t, l.Copy(context.Background(), filepath.Join(dir, "tile.json"), dst))
	rc, err := l.Open(context.Background(), dst)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "tile.json", string(body))

	assert.Error(t, l.Copy(context.Background(), filepath.Join(dir, "missing"), dst))
}

func TestForPath(t *testing.T) {
	assert.IsType(t, &GSUtil{}, ForPath("gs://bucket/x", &FakeCommandRunner{}))
	assert.IsType(t, &Local{}, ForPath("/data/x", &FakeCommandRunner{}))
}
