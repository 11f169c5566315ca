package properties

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
model_dir: /models/dnn_v1
output_name: rice_2024
gcs_bucket: aces-bucket
gcs_image_dir: /export/images/
gcs_image_prefix: image_2024
ee_output_asset: projects/aces/assets/outputs
features: [red, green, blue, nir]
use_elevation: true
use_s1: true
patch_shape: [256, 256]
kernel_buffer: [128, 128]
model:
  backend: grpc
  address: localhost:50051
  timeout: 2m
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"red", "green", "blue", "nir", "elevation", "slope",
		"vv_asc_before", "vh_asc_before", "vv_asc_during", "vh_asc_during",
		"vv_desc_before", "vh_desc_before", "vv_desc_during", "vh_desc_during",
	}, cfg.Features())
	assert.Equal(t, []string{"red", "green", "blue", "nir"}, cfg.BaseFeatures)
	assert.Equal(t, DefaultClassNames, cfg.ClassNames)
	assert.Equal(t, [2]int{128, 128}, cfg.KernelBufferSize())
	assert.Equal(t, 2*time.Minute, cfg.Model.Timeout)
	assert.Equal(t, 0.2, cfg.PatchExport.ValidationRatio)

	assert.Equal(t, filepath.Join("/models/dnn_v1", "prediction", "rice_2024.TFRecord"), cfg.OutputImageFile())
	assert.Equal(t, "gs://aces-bucket/prediction/rice_2024.TFRecord", cfg.OutputGCSPath())
	assert.Equal(t, "projects/aces/assets/outputs/rice_2024", cfg.OutputAssetID())
	assert.Equal(t, "gs://aces-bucket/export/images/image_2024", cfg.ImageDirPrefix())
}

func TestFeaturesAreNotShared(t *testing.T) {
	cfg, err := Parse([]byte("features: [a, b]"))
	require.NoError(t, err)
	f := cfg.Features()
	f[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, cfg.Features())
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Features())
	assert.Equal(t, [2]int{}, cfg.KernelBufferSize())
	assert.Equal(t, BackendONNX, cfg.Model.Backend)
	assert.Equal(t, filepath.Join("data", "cache"), cfg.PatchExport.CacheDir)

	cfg, err = Parse([]byte("local_image_dir: /data/tiles\ngcs_image_prefix: img"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/tiles", "img"), cfg.ImageDirPrefix())

	cfg, err = Parse([]byte("local_image_dir: /data/tiles/"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/tiles")+string(filepath.Separator), cfg.ImageDirPrefix())
}

func TestCheckPatchShape(t *testing.T) {
	cfg, err := Parse([]byte("patch_shape: [256, 128]"))
	require.NoError(t, err)
	assert.NoError(t, cfg.CheckPatchShape(256, 128))
	assert.ErrorContains(t, cfg.CheckPatchShape(128, 256), "patch_shape [256 128]")
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   string
	}{
		{"bad patch shape", "patch_shape: [256]", "patch_shape"},
		{"negative kernel buffer", "kernel_buffer: [-2, 2]", "kernel_buffer"},
		{"reserved class", "class_names: [prediction, rice]", "reserved or repeated"},
		{"repeated class", "class_names: [rice, rice]", "reserved or repeated"},
		{"grpc without address", "model: {backend: grpc}", "model.address"},
		{"unknown backend", "model: {backend: keras}", "unknown model backend"},
		{"ratios", "patch_export: {validation_ratio: 0.5, test_ratio: 0.5}", "sum below 1"},
		{"unknown field", "featurez: [a]", "field featurez not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gcs_bucket: from-file\noutput_name: run"), 0644))
	t.Setenv("GCS_BUCKET", "from-env")
	t.Setenv("EE_OUTPUT_ASSET", "projects/p/assets/out")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.GCSBucket)
	assert.Equal(t, "projects/p/assets/out/run", cfg.OutputAssetID())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to open config")
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ACES_TEST_VALUE=hello\n"), 0644))
	t.Setenv("ACES_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("ACES_TEST_VALUE"))

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "hello", os.Getenv("ACES_TEST_VALUE"))
}
