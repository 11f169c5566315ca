package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// SamplePoint is one labeled location to extract a training patch around.
type SamplePoint struct {
	ID        string  `csv:"id"`
	Longitude float64 `csv:"longitude"`
	Latitude  float64 `csv:"latitude"`
	Label     string  `csv:"label,omitempty"`
}

func (s SamplePoint) Point() orb.Point {
	return orb.Point{s.Longitude, s.Latitude}
}

func ReadSamplePoints(r io.Reader) ([]*SamplePoint, error) {
	var points []*SamplePoint
	if err := gocsv.Unmarshal(r, &points); err != nil {
		return nil, fmt.Errorf("failed to parse sample points: %w", err)
	}
	return checkSamplePoints(points)
}

// ReadSamplePointsGeoJSON reads a FeatureCollection. Point features are used
// as is, any other geometry contributes its centroid. The "id" and "label"
// properties are picked up when present.
func ReadSamplePointsGeoJSON(r io.Reader) ([]*SamplePoint, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample points: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sample points: %w", err)
	}

	points := make([]*SamplePoint, 0, len(fc.Features))
	for i, f := range fc.Features {
		center, err := centroid(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		points = append(points, &SamplePoint{
			ID:        f.Properties.MustString("id", ""),
			Longitude: center.Lon(),
			Latitude:  center.Lat(),
			Label:     f.Properties.MustString("label", ""),
		})
	}
	return checkSamplePoints(points)
}

func centroid(g orb.Geometry) (orb.Point, error) {
	switch geom := g.(type) {
	case nil:
		return orb.Point{}, errors.New("missing geometry")
	case orb.Point:
		return geom, nil
	}
	center, area := planar.CentroidArea(g)
	if area <= 0 && g.Dimensions() == 2 {
		return orb.Point{}, errors.New("error getting centroid")
	}
	return center, nil
}

func checkSamplePoints(points []*SamplePoint) ([]*SamplePoint, error) {
	for i, p := range points {
		if p.Longitude < -180 || p.Longitude > 180 || p.Latitude < -90 || p.Latitude > 90 {
			return nil, fmt.Errorf("sample point %d (%s) has invalid coordinates (%f, %f)", i, p.ID, p.Longitude, p.Latitude)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("%d", i)
		}
	}
	return points, nil
}

// LoadSamplePoints reads a CSV file, or a GeoJSON file when the extension is
// .geojson or .json.
func LoadSamplePoints(path string) ([]*SamplePoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample points: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return ReadSamplePointsGeoJSON(file)
	default:
		return ReadSamplePoints(file)
	}
}
