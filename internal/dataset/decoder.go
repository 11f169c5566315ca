package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
)

var ErrMalformedRecord = errors.New("malformed tile record")

// Opener opens one exported tile file for reading.
type Opener func(ctx context.Context, path string) (io.ReadCloser, error)

// OpenLocal is an Opener for files on the local filesystem.
func OpenLocal(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// PixelDecoder turns an ordered list of exported tile files into a flat,
// lazily decoded sequence of per-pixel feature vectors. File order and record
// order are preserved; each vector holds one value per feature in feature order.
type PixelDecoder struct {
	ctx      context.Context
	files    []string
	open     Opener
	features []string

	width, height       int
	rowStride, offsetX  int
	offsetY, recordSize int

	fileIdx int
	file    io.ReadCloser
	reader  *tfrecord.Reader

	bands   [][]float32
	loaded  bool
	pixel   int
	records int
}

// NewPixelDecoder builds a decoder for patches of the mixer's dimensions.
// kernelBuffer is the total extra width and height exported around each patch;
// only the interior pixels are emitted.
func NewPixelDecoder(ctx context.Context, files []string, open Opener, features []string, mixer Mixer, kernelBuffer [2]int) *PixelDecoder {
	if open == nil {
		open = OpenLocal
	}
	width, height := mixer.PatchWidth(), mixer.PatchHeight()
	return &PixelDecoder{
		ctx:        ctx,
		files:      files,
		open:       open,
		features:   features,
		width:      width,
		height:     height,
		rowStride:  width + kernelBuffer[0],
		offsetX:    kernelBuffer[0] / 2,
		offsetY:    kernelBuffer[1] / 2,
		recordSize: (width + kernelBuffer[0]) * (height + kernelBuffer[1]),
	}
}

// Next returns the next pixel vector, or io.EOF after the last record of the
// last file.
func (d *PixelDecoder) Next() ([]float32, error) {
	if !d.loaded || d.pixel >= d.width*d.height {
		if err := d.nextRecord(); err != nil {
			return nil, err
		}
	}

	row, col := d.pixel/d.width, d.pixel%d.width
	src := (row+d.offsetY)*d.rowStride + col + d.offsetX
	vector := make([]float32, len(d.bands))
	for i, band := range d.bands {
		vector[i] = band[src]
	}
	d.pixel++
	return vector, nil
}

// Records is the number of tile records decoded so far.
func (d *PixelDecoder) Records() int {
	return d.records
}

func (d *PixelDecoder) Close() error {
	d.loaded = false
	d.reader = nil
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return err
	}
	return nil
}

func (d *PixelDecoder) nextRecord() error {
	for {
		if err := d.ctx.Err(); err != nil {
			return err
		}
		if d.reader == nil {
			if d.fileIdx >= len(d.files) {
				d.loaded = false
				return io.EOF
			}
			if err := d.openFile(d.files[d.fileIdx]); err != nil {
				return err
			}
		}

		payload, err := d.reader.Next()
		if err == io.EOF {
			if err := d.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", d.files[d.fileIdx], err)
			}
			d.fileIdx++
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrMalformedRecord, d.files[d.fileIdx], err)
		}
		return d.parse(payload)
	}
}

func (d *PixelDecoder) openFile(path string) error {
	f, err := d.open(d.ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open tile file %s: %w", path, err)
	}
	r, err := tfrecord.NewReader(f, tfrecord.CompressionFromPath(path))
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %w", ErrMalformedRecord, path, err)
	}
	d.file = f
	d.reader = r
	return nil
}

func (d *PixelDecoder) parse(payload []byte) error {
	path := d.files[d.fileIdx]
	ex, err := tfrecord.UnmarshalExample(payload)
	if err != nil {
		return fmt.Errorf("%w: %s record %d: %w", ErrMalformedRecord, path, d.records, err)
	}

	bands := make([][]float32, len(d.features))
	for i, name := range d.features {
		f, ok := ex.Features[name]
		if !ok {
			return fmt.Errorf("%w: %s record %d: missing feature %s", ErrMalformedRecord, path, d.records, name)
		}
		if f.Kind != tfrecord.KindFloat {
			return fmt.Errorf("%w: %s record %d: feature %s is %s, expected float_list", ErrMalformedRecord, path, d.records, name, f.Kind)
		}
		if len(f.Floats) != d.recordSize {
			return fmt.Errorf("%w: %s record %d: feature %s has %d values, expected %d", ErrMalformedRecord, path, d.records, name, len(f.Floats), d.recordSize)
		}
		bands[i] = f.Floats
	}

	d.bands = bands
	d.loaded = true
	d.pixel = 0
	d.records++
	return nil
}
