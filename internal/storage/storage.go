// Package storage lists, copies and reads exported files and registers
// results as Earth Engine assets.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forest-guardian/aces-landcover/internal/logger"
)

type Storage interface {
	// List returns every object whose path starts with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, src, dst string) error
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

type AssetMetadata struct {
	AssetID          string
	PyramidingPolicy string
	// MixerPath is the tiling sidecar describing how the file maps to pixels.
	MixerPath string
}

type AssetRegistry interface {
	RegisterAsset(ctx context.Context, path string, meta AssetMetadata) (string, error)
}

func IsCloudPath(path string) bool {
	return strings.HasPrefix(path, "gs://")
}

// ForPath picks the cloud or local backend from the shape of path.
func ForPath(path string, runner CommandRunner) Storage {
	if IsCloudPath(path) {
		return &GSUtil{Runner: runner}
	}
	return &Local{}
}

// GSUtil drives Cloud Storage through the gsutil CLI.
type GSUtil struct {
	Runner CommandRunner
}

var _ Storage = &GSUtil{}

func (g *GSUtil) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := g.Runner.RunCommand(ctx, "gsutil", "ls", prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			files = append(files, line)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (g *GSUtil) Copy(ctx context.Context, src, dst string) error {
	if _, err := g.Runner.RunCommand(ctx, "gsutil", "cp", src, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (g *GSUtil) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := g.Runner.StreamCommand(ctx, "gsutil", "cat", path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rc, nil
}

// EarthEngineCLI registers uploaded files with the earthengine CLI.
type EarthEngineCLI struct {
	Runner CommandRunner
}

var _ AssetRegistry = &EarthEngineCLI{}

func (e *EarthEngineCLI) RegisterAsset(ctx context.Context, path string, meta AssetMetadata) (string, error) {
	if meta.AssetID == "" {
		return "", fmt.Errorf("asset id is required")
	}
	args := []string{"earthengine", "upload", "image", "--asset_id=" + meta.AssetID}
	if meta.PyramidingPolicy != "" {
		args = append(args, "--pyramiding_policy="+meta.PyramidingPolicy)
	}
	args = append(args, path)
	if meta.MixerPath != "" {
		args = append(args, meta.MixerPath)
	}
	out, err := e.Runner.RunCommand(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to register asset %s: %w", meta.AssetID, err)
	}
	logger.Infof("Uploading classified image to earth engine: %s", strings.TrimSpace(out))
	return meta.AssetID, nil
}

// Local serves plain filesystem paths.
type Local struct{}

var _ Storage = &Local{}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	files, err := filepath.Glob(prefix + "*")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Strings(files)
	return files, nil
}

func (l *Local) Copy(_ context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return os.Rename(tmp, dst)
}

func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}
