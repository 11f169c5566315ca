package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRejectsBadMetadata(t *testing.T) {
	_, err := Load(t.TempDir(), "")
	assert.ErrorContains(t, err, "failed to read metadata")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"input_shape": [256, 7], "output_shape": [128, 5]}`), 0o644))
	_, err = Load(dir, "")
	assert.ErrorContains(t, err, "unsupported model shapes")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{`), 0o644))
	_, err = Load(dir, "")
	assert.ErrorContains(t, err, "failed to parse metadata")
}
