// Package properties loads the run configuration once at startup. The
// resulting Config is a value: components receive it at construction and
// never change it.
package properties

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	DefaultClassNames = []string{"cropland_etc", "rice", "forest", "urban", "others_etc"}

	elevationFeatures = []string{"elevation", "slope"}
	s1Features        = []string{
		"vv_asc_before", "vh_asc_before", "vv_asc_during", "vh_asc_during",
		"vv_desc_before", "vh_desc_before", "vv_desc_during", "vh_desc_during",
	}
)

const (
	BackendONNX = "onnx"
	BackendGRPC = "grpc"
)

type ModelConfig struct {
	Backend string `yaml:"backend"`
	// Address of the model server for the grpc backend.
	Address     string        `yaml:"address"`
	Timeout     time.Duration `yaml:"timeout"`
	OnnxLibrary string        `yaml:"onnx_library"`
}

type PatchExportConfig struct {
	Image            string   `yaml:"image"`
	Bands            []string `yaml:"bands"`
	SamplePoints     string   `yaml:"sample_points"`
	Scale            float64  `yaml:"scale"`
	PatchSize        int      `yaml:"patch_size"`
	Format           string   `yaml:"format"`
	UseComputePixels bool     `yaml:"use_compute_pixels"`
	ValidationRatio  float64  `yaml:"validation_ratio"`
	TestRatio        float64  `yaml:"test_ratio"`
	Workers          int      `yaml:"workers"`
	Seed             uint64   `yaml:"seed"`
	OutputDir        string   `yaml:"output_dir"`
	CacheDir         string   `yaml:"cache_dir"`
}

type TableExportConfig struct {
	Image       string   `yaml:"image"`
	Collection  string   `yaml:"collection"`
	Target      string   `yaml:"target"`
	Description string   `yaml:"description"`
	FilePrefix  string   `yaml:"file_prefix"`
	FileFormat  string   `yaml:"file_format"`
	Selectors   []string `yaml:"selectors"`
	Properties  []string `yaml:"properties"`
	Scale       float64  `yaml:"scale"`
	TileScale   float64  `yaml:"tile_scale"`
	Geometries  bool     `yaml:"geometries"`
	Start       bool     `yaml:"start"`
}

type Config struct {
	RootPath   string `yaml:"root_path"`
	ModelDir   string `yaml:"model_dir"`
	OutputName string `yaml:"output_name"`

	GCSBucket      string `yaml:"gcs_bucket"`
	GCSImageDir    string `yaml:"gcs_image_dir"`
	GCSImagePrefix string `yaml:"gcs_image_prefix"`
	// LocalImageDir reads exported tiles from disk instead of Cloud Storage.
	LocalImageDir string `yaml:"local_image_dir"`
	// SkipPublish keeps the prediction file local.
	SkipPublish bool `yaml:"skip_publish"`

	EEProject            string `yaml:"ee_project"`
	EEServiceCredentials string `yaml:"ee_service_credentials"`
	EEOutputAsset        string `yaml:"ee_output_asset"`
	UseHighVolume        bool   `yaml:"use_high_volume"`

	BaseFeatures []string `yaml:"features"`
	UseElevation bool     `yaml:"use_elevation"`
	UseS1        bool     `yaml:"use_s1"`
	PatchShape   []int    `yaml:"patch_shape"`
	KernelBuffer []int    `yaml:"kernel_buffer"`
	ClassNames   []string `yaml:"class_names"`

	Model        ModelConfig       `yaml:"model"`
	PatchExport  PatchExportConfig `yaml:"patch_export"`
	TableExport  TableExportConfig `yaml:"table_export"`
	PreviewWidth int               `yaml:"preview_width"`
	Metrics      []string          `yaml:"metrics"`

	DiscordErrorURL   string `yaml:"discord_error_url"`
	DiscordSuccessURL string `yaml:"discord_success_url"`
	LogLevel          string `yaml:"log_level"`

	features []string
}

func Default() Config {
	return Config{
		ModelDir:     "output",
		OutputName:   "prediction",
		PatchShape:   []int{256, 256},
		ClassNames:   slices.Clone(DefaultClassNames),
		PreviewWidth: 2048,
		Metrics:      []string{"loss", "categorical_accuracy"},
		LogLevel:     "info",
		Model: ModelConfig{
			Backend: BackendONNX,
			Timeout: 15 * time.Minute,
		},
		PatchExport: PatchExportConfig{
			Scale:           10,
			PatchSize:       128,
			Format:          "NPY",
			ValidationRatio: 0.2,
			TestRatio:       0.2,
			Workers:         8,
			OutputDir:       "training",
		},
		TableExport: TableExportConfig{
			Target:    "cloud",
			TileScale: 1,
			Start:     true,
		},
	}
}

// LoadEnv reads .env files into the process environment. Missing files are
// skipped.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (when
// not empty) and environment overrides, then derives and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg.finalize()
}

// Parse is Load for an in-memory YAML document, without environment overrides.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.finalize()
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"ROOT_PATH":                        &c.RootPath,
		"GCS_BUCKET":                       &c.GCSBucket,
		"EE_PROJECT":                       &c.EEProject,
		"EE_SERVICE_CREDENTIALS":           &c.EEServiceCredentials,
		"EE_OUTPUT_ASSET":                  &c.EEOutputAsset,
		"DISCORD_ERROR_NOTIFICATION_URL":   &c.DiscordErrorURL,
		"DISCORD_SUCCESS_NOTIFICATION_URL": &c.DiscordSuccessURL,
		"LOG_LEVEL":                        &c.LogLevel,
	}
	for env, field := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*field = v
		}
	}
}

func (c Config) finalize() (Config, error) {
	c.features = slices.Clone(c.BaseFeatures)
	if c.UseElevation {
		c.features = append(c.features, elevationFeatures...)
	}
	if c.UseS1 {
		c.features = append(c.features, s1Features...)
	}
	if c.PatchExport.CacheDir == "" {
		c.PatchExport.CacheDir = filepath.Join(c.RootPath, "data", "cache")
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	var errs []error
	if len(c.PatchShape) != 2 || c.PatchShape[0] <= 0 || c.PatchShape[1] <= 0 {
		errs = append(errs, fmt.Errorf("patch_shape must be two positive sizes, got %v", c.PatchShape))
	}
	if len(c.KernelBuffer) != 0 && (len(c.KernelBuffer) != 2 || c.KernelBuffer[0] < 0 || c.KernelBuffer[1] < 0) {
		errs = append(errs, fmt.Errorf("kernel_buffer must be two non-negative sizes, got %v", c.KernelBuffer))
	}
	if len(c.ClassNames) == 0 {
		errs = append(errs, fmt.Errorf("class_names must not be empty"))
	}
	seen := make(map[string]bool, len(c.ClassNames))
	for _, name := range c.ClassNames {
		if name == "prediction" || seen[name] {
			errs = append(errs, fmt.Errorf("class name %q is reserved or repeated", name))
		}
		seen[name] = true
	}
	switch c.Model.Backend {
	case BackendONNX:
	case BackendGRPC:
		if c.Model.Address == "" {
			errs = append(errs, fmt.Errorf("model.address is required for the grpc backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model backend %q", c.Model.Backend))
	}
	pe := c.PatchExport
	if pe.ValidationRatio < 0 || pe.TestRatio < 0 || pe.ValidationRatio+pe.TestRatio >= 1 {
		errs = append(errs, fmt.Errorf("validation_ratio and test_ratio must be non-negative and sum below 1"))
	}
	if pe.PatchSize <= 0 || pe.Scale <= 0 || pe.Workers <= 0 {
		errs = append(errs, fmt.Errorf("patch_export needs a positive patch_size, scale and workers"))
	}
	return errors.Join(errs...)
}

// Features is the configured band list followed by the derived elevation and
// Sentinel-1 bands.
func (c Config) Features() []string {
	return slices.Clone(c.features)
}

// CheckPatchShape compares the configured patch shape with the dimensions an
// export declares in its mixer.
func (c Config) CheckPatchShape(width, height int) error {
	if len(c.PatchShape) == 2 && (c.PatchShape[0] != width || c.PatchShape[1] != height) {
		return fmt.Errorf("patch_shape %v does not match the exported %dx%d patches", c.PatchShape, width, height)
	}
	return nil
}

func (c Config) KernelBufferSize() [2]int {
	if len(c.KernelBuffer) != 2 {
		return [2]int{}
	}
	return [2]int{c.KernelBuffer[0], c.KernelBuffer[1]}
}

func (c Config) OutputImageFile() string {
	return filepath.Join(c.ModelDir, "prediction", c.OutputName+".TFRecord")
}

func (c Config) OutputGCSPath() string {
	return fmt.Sprintf("gs://%s/prediction/%s.TFRecord", c.GCSBucket, c.OutputName)
}

func (c Config) OutputAssetID() string {
	return c.EEOutputAsset + "/" + c.OutputName
}

// ImageDirPrefix is the listing prefix of the exported tiles and mixer.
func (c Config) ImageDirPrefix() string {
	if c.LocalImageDir != "" {
		// Without a file prefix the listing must stay inside the directory.
		if c.GCSImagePrefix == "" {
			return filepath.Clean(c.LocalImageDir) + string(filepath.Separator)
		}
		return filepath.Join(c.LocalImageDir, c.GCSImagePrefix)
	}
	return fmt.Sprintf("gs://%s/%s/%s", c.GCSBucket, strings.Trim(c.GCSImageDir, "/"), c.GCSImagePrefix)
}

func (c Config) ModelPath() string {
	return filepath.Join(c.ModelDir, "trained-model")
}
