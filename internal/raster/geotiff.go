// Package raster decodes GeoTIFF pixel downloads with GDAL.
package raster

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/forest-guardian/aces-landcover/internal/dataset"
)

var registerOnce sync.Once

// DecodeGeoTIFF reads a GeoTIFF payload into a patch. Bands are matched on
// their description, or by position when the file carries none. Nodata
// pixels become NaN so the quality filter rejects the patch.
func DecodeGeoTIFF(payload []byte, bands []string) (*dataset.Patch, error) {
	registerOnce.Do(godal.RegisterAll)

	tmp, err := os.CreateTemp("", "patch-*.tif")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}

	ds, err := godal.Open(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoTIFF: %w", err)
	}
	defer ds.Close()

	return readPatch(ds, bands)
}

func readPatch(ds *godal.Dataset, bands []string) (*dataset.Patch, error) {
	structure := ds.Structure()
	width, height := structure.SizeX, structure.SizeY
	rasterBands := ds.Bands()

	byName := make(map[string]godal.Band, len(rasterBands))
	for _, b := range rasterBands {
		if d := b.Description(); d != "" {
			byName[d] = b
		}
	}
	if len(bands) == 0 {
		for i, b := range rasterBands {
			name := b.Description()
			if name == "" {
				name = fmt.Sprintf("b%d", i+1)
			}
			bands = append(bands, name)
		}
	}

	patch := dataset.NewPatch(width, height, bands)
	for i, name := range bands {
		band, ok := byName[name]
		if !ok {
			if len(byName) > 0 || len(rasterBands) != len(bands) {
				return nil, fmt.Errorf("band %s missing from GeoTIFF with %d bands", name, len(rasterBands))
			}
			band = rasterBands[i]
		}
		values := patch.Values[name]
		if err := band.Read(0, 0, values, width, height); err != nil {
			return nil, fmt.Errorf("failed to read band %s: %w", name, err)
		}
		if nodata, ok := band.NoData(); ok {
			for j, v := range values {
				if float64(v) == nodata {
					values[j] = float32(math.NaN())
				}
			}
		}
	}
	return patch, nil
}
