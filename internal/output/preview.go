package output

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/fogleman/gg"
	"github.com/forest-guardian/aces-landcover/internal/dataset"
	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
	"github.com/nfnt/resize"
)

// DefaultPalette colours classes in the order cropland, rice, forest, urban, others.
var DefaultPalette = []color.RGBA{
	{255, 255, 102, 255},
	{102, 204, 255, 255},
	{0, 128, 0, 255},
	{204, 0, 0, 255},
	{160, 160, 160, 255},
}

var unknownClass = color.RGBA{255, 0, 255, 255}

// RenderPreview draws the class map of a prediction file, laying patches out
// on the mixer grid, and downsizes it to maxWidth pixels when wider.
func RenderPreview(r *tfrecord.Reader, mixer dataset.Mixer, classNames []string, palette []color.RGBA, maxWidth int) (image.Image, error) {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	w, h := mixer.PatchWidth(), mixer.PatchHeight()
	cols := mixer.GridColumns()
	rows := (mixer.TotalPatches + cols - 1) / cols

	dc := gg.NewContext(cols*w, rows*h)
	dc.SetColor(color.Black)
	dc.Clear()

	for patch := 0; ; patch++ {
		record, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if patch >= mixer.TotalPatches {
			return nil, fmt.Errorf("prediction file has more than the %d patches declared by the mixer", mixer.TotalPatches)
		}
		decoded, err := DecodePredictionRecord(record, classNames)
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", patch, err)
		}
		if len(decoded.Classes) != w*h {
			return nil, fmt.Errorf("patch %d has %d pixels, expected %d", patch, len(decoded.Classes), w*h)
		}

		originX, originY := (patch%cols)*w, (patch/cols)*h
		for i, class := range decoded.Classes {
			c := unknownClass
			if class >= 0 && int(class) < len(palette) {
				c = palette[class]
			}
			dc.SetColor(c)
			dc.SetPixel(originX+i%w, originY+i/w)
		}
	}

	img := dc.Image()
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = resize.Resize(uint(maxWidth), 0, img, resize.NearestNeighbor)
	}
	return img, nil
}

func SavePreview(path string, img image.Image) error {
	if err := gg.SavePNG(path, img); err != nil {
		return fmt.Errorf("failed to save preview: %w", err)
	}
	return nil
}
