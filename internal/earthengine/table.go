package earthengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/forest-guardian/aces-landcover/internal/logger"
)

const (
	DefaultStatsScale = 30
	statsMaxPixels    = 1e13
)

// MinMaxStatistics reduces an image over a region with the mean, min and max
// reducers. Keys are "<band>_mean", "<band>_min" and "<band>_max"; bands with
// no valid pixel in the region are left out.
func (c *Client) MinMaxStatistics(ctx context.Context, image, region Value, scale float64) (map[string]float64, error) {
	if scale <= 0 {
		scale = DefaultStatsScale
	}
	var raw map[string]*float64
	if err := c.ComputeValue(ctx, ReduceRegion(image, MinMeanMaxReducer(), region, scale, statsMaxPixels), &raw); err != nil {
		return nil, err
	}
	stats := make(map[string]float64, len(raw))
	for k, v := range raw {
		if v != nil {
			stats[k] = *v
		}
	}
	return stats, nil
}

// SortedStatKeys returns the keys of a statistics map in a stable order.
func SortedStatKeys(stats map[string]float64) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type SampleOptions struct {
	// Properties copied from each input feature. Nil copies every property of
	// the collection's first feature.
	Properties []string
	// Scale in metres; zero uses the image's native projection.
	Scale      float64
	Geometries bool
	TileScale  float64
}

func DefaultSampleOptions() SampleOptions {
	return SampleOptions{TileScale: 1}
}

// SampleImageByCollection samples the image pixels under each feature of the
// collection, returning the feature collection expression.
func (c *Client) SampleImageByCollection(ctx context.Context, image, collection Value, opts SampleOptions) (Value, error) {
	if opts.Properties == nil {
		names, err := c.PropertyNames(ctx, collection)
		if err != nil {
			return nil, err
		}
		opts.Properties = names
	}
	if opts.TileScale <= 0 {
		opts.TileScale = 1
	}
	args := map[string]Value{
		"image":      image,
		"collection": collection,
		"properties": Constant(opts.Properties),
		"geometries": Constant(opts.Geometries),
		"tileScale":  Constant(opts.TileScale),
	}
	if opts.Scale > 0 {
		args["scale"] = Constant(opts.Scale)
	}
	return Invoke("Image.sampleRegions", args), nil
}

const TargetCloud = "cloud"

type ExportOptions struct {
	Description string
	// FilePrefix defaults to the description.
	FilePrefix string
	Bucket     string
	FileFormat string
	// Selectors defaults to the property names of the first feature.
	Selectors []string
}

func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		Description: "myExportTableTask",
		Bucket:      "myBucket",
		FileFormat:  "TFRecord",
	}
}

func (o ExportOptions) withDefaults() ExportOptions {
	d := DefaultExportOptions()
	if o.Description == "" {
		o.Description = d.Description
	}
	if o.FilePrefix == "" {
		o.FilePrefix = o.Description
	}
	if o.Bucket == "" {
		o.Bucket = d.Bucket
	}
	if o.FileFormat == "" {
		o.FileFormat = d.FileFormat
	}
	return o
}

var tableFormats = map[string]string{
	"tfrecord": "TF_RECORD_TABLE",
	"csv":      "CSV",
	"geojson":  "GEO_JSON",
	"kml":      "KML",
	"kmz":      "KMZ",
	"shp":      "SHP",
}

// ExportTask is a prepared table export; Operation is set once started.
type ExportTask struct {
	Description string
	Request     map[string]interface{}
	Operation   string
}

// ExportTrainingData prepares a table export of a feature collection and
// starts it when start is set. Only the "cloud" target is supported.
func (c *Client) ExportTrainingData(ctx context.Context, collection Value, target string, start bool, opts ExportOptions) (*ExportTask, error) {
	if target != TargetCloud {
		return nil, fmt.Errorf("export target %q: %w, only cloud export is currently supported", target, ErrNotImplemented)
	}
	opts = opts.withDefaults()
	format, ok := tableFormats[strings.ToLower(opts.FileFormat)]
	if !ok {
		return nil, fmt.Errorf("unsupported table format %q", opts.FileFormat)
	}
	if opts.Selectors == nil {
		names, err := c.PropertyNames(ctx, collection)
		if err != nil {
			return nil, err
		}
		opts.Selectors = names
	}

	logger.Infof("Exporting training data to %s..", opts.Description)
	task := &ExportTask{
		Description: opts.Description,
		Request: map[string]interface{}{
			"expression":  NewExpression(collection),
			"description": opts.Description,
			"selectors":   opts.Selectors,
			"fileExportOptions": map[string]interface{}{
				"fileFormat": format,
				"gcsDestination": map[string]string{
					"bucket":         opts.Bucket,
					"filenamePrefix": opts.FilePrefix,
				},
			},
		},
	}
	if !start {
		return task, nil
	}

	body, err := c.post(ctx, c.projectURL("table:export"), task.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to start export %s: %w", opts.Description, err)
	}
	var op struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("failed to decode export operation: %w", err)
	}
	task.Operation = op.Name
	logger.Infof("Started export %s as %s", opts.Description, op.Name)
	return task, nil
}
