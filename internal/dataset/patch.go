package dataset

import (
	"fmt"
	"math"

	"github.com/forest-guardian/aces-landcover/internal/npy"
	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
)

// Patch is a width x height grid holding one value per band per pixel,
// stored row-major per band.
type Patch struct {
	Width  int                  `json:"width"`
	Height int                  `json:"height"`
	Bands  []string             `json:"bands"`
	Values map[string][]float32 `json:"values"`
}

func NewPatch(width, height int, bands []string) *Patch {
	p := &Patch{
		Width:  width,
		Height: height,
		Bands:  append([]string(nil), bands...),
		Values: make(map[string][]float32, len(bands)),
	}
	for _, b := range bands {
		p.Values[b] = make([]float32, width*height)
	}
	return p
}

// PatchFromNPY converts a structured npy array (one field per band) into a
// patch. Bands not present in the array are an error; an empty band list keeps
// every field in file order.
func PatchFromNPY(arr *npy.Array, bands []string) (*Patch, error) {
	if len(arr.Shape) != 2 {
		return nil, fmt.Errorf("expected a 2-D pixel array, got shape %v", arr.Shape)
	}
	if len(bands) == 0 {
		bands = arr.Fields
	}
	height, width := arr.Shape[0], arr.Shape[1]
	p := NewPatch(width, height, bands)
	for _, b := range bands {
		values, ok := arr.Data[b]
		if !ok {
			return nil, fmt.Errorf("band %s missing from downloaded pixels (have %v)", b, arr.Fields)
		}
		dst := p.Values[b]
		for i, v := range values {
			dst[i] = float32(v)
		}
	}
	return p, nil
}

// IsGood reports whether every value of every band is finite. Patches with
// NaN or infinite values are excluded from training sets.
func (p *Patch) IsGood() bool {
	for _, values := range p.Values {
		for _, v := range values {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	}
	return true
}

// ToExample serializes the patch as a tf.Example with one float list per band.
func (p *Patch) ToExample() *tfrecord.Example {
	ex := tfrecord.NewExample()
	for _, b := range p.Bands {
		ex.Features[b] = tfrecord.FloatFeature(p.Values[b])
	}
	return ex
}
