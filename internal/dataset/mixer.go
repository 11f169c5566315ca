package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

var ErrInvalidMixer = errors.New("invalid mixer metadata")

// Mixer is the JSON sidecar written next to exported image tiles. It maps the
// patch sequence back onto the exported grid.
type Mixer struct {
	Projection      Projection `json:"projection"`
	PatchDimensions []int      `json:"patchDimensions"`
	PatchesPerRow   int        `json:"patchesPerRow"`
	TotalPatches    int        `json:"totalPatches"`
}

type Projection struct {
	CRS    string `json:"crs"`
	Affine struct {
		DoubleMatrix []float64 `json:"doubleMatrix"`
	} `json:"affine"`
}

func ReadMixer(r io.Reader) (Mixer, error) {
	var m Mixer
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return Mixer{}, fmt.Errorf("%w: %v", ErrInvalidMixer, err)
	}
	if len(m.PatchDimensions) != 2 || m.PatchDimensions[0] <= 0 || m.PatchDimensions[1] <= 0 {
		return Mixer{}, fmt.Errorf("%w: patchDimensions %v", ErrInvalidMixer, m.PatchDimensions)
	}
	if m.TotalPatches <= 0 {
		return Mixer{}, fmt.Errorf("%w: totalPatches %d", ErrInvalidMixer, m.TotalPatches)
	}
	return m, nil
}

func (m Mixer) PatchWidth() int {
	return m.PatchDimensions[0]
}

func (m Mixer) PatchHeight() int {
	return m.PatchDimensions[1]
}

// PatchPixels is the number of pixels of one unbuffered patch.
func (m Mixer) PatchPixels() int {
	return m.PatchWidth() * m.PatchHeight()
}

// GridColumns is the number of patches per row of the exported grid, falling
// back to a square layout when the export did not record it.
func (m Mixer) GridColumns() int {
	if m.PatchesPerRow > 0 {
		return m.PatchesPerRow
	}
	return int(math.Ceil(math.Sqrt(float64(m.TotalPatches))))
}
