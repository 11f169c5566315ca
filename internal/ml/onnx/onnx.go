// Package onnx runs an exported classifier with ONNX Runtime.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Metadata sits next to model.onnx and describes its fixed tensor shapes.
// InputShape is [batch, features] and OutputShape is [batch, classes].
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	Classes     []string `json:"classes"`
}

type Model struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// Load opens <dir>/model.onnx with <dir>/metadata.json. libraryPath points to
// the onnxruntime shared library; empty keeps the runtime default.
func Load(dir, libraryPath string) (*Model, error) {
	metaFile, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(metadata.InputShape) != 2 || len(metadata.OutputShape) != 2 || metadata.InputShape[0] != metadata.OutputShape[0] {
		return nil, fmt.Errorf("unsupported model shapes %v -> %v", metadata.InputShape, metadata.OutputShape)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(filepath.Join(dir, "model.onnx"),
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Model{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict runs the batch in chunks of the model's fixed batch dimension,
// zero-padding the last chunk.
func (m *Model) Predict(ctx context.Context, batch [][]float32) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := int(m.Metadata.InputShape[0])
	features := int(m.Metadata.InputShape[1])
	classes := int(m.Metadata.OutputShape[1])

	out := make([][]float32, 0, len(batch))
	for start := 0; start < len(batch); start += rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(len(batch), start+rows)

		input := m.inputTensor.GetData()
		clear(input)
		for i, pixel := range batch[start:end] {
			if len(pixel) != features {
				return nil, fmt.Errorf("pixel %d has %d features, model expects %d", start+i, len(pixel), features)
			}
			copy(input[i*features:], pixel)
		}

		if err := m.session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}

		output := m.outputTensor.GetData()
		for i := 0; i < end-start; i++ {
			out = append(out, append([]float32(nil), output[i*classes:(i+1)*classes]...))
		}
	}
	return out, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Destroy()
	m.inputTensor.Destroy()
	m.outputTensor.Destroy()
	return nil
}
