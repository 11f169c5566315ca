package delivery

import (
	"context"
	"fmt"

	"github.com/forest-guardian/aces-landcover/internal/earthengine"
	"github.com/forest-guardian/aces-landcover/internal/properties"
)

// ExportSampledTable samples the configured image under each feature of the
// training collection and exports the samples as a table to Cloud Storage.
func ExportSampledTable(ctx context.Context, client *earthengine.Client, bucket string, cfg properties.TableExportConfig) (*earthengine.ExportTask, error) {
	if cfg.Target != earthengine.TargetCloud {
		return nil, fmt.Errorf("export target %q: %w", cfg.Target, earthengine.ErrNotImplemented)
	}
	collection := earthengine.FeatureCollectionLoad(cfg.Collection)
	sampleOpts := earthengine.DefaultSampleOptions()
	if cfg.Properties != nil {
		sampleOpts.Properties = cfg.Properties
	}
	sampleOpts.Scale = cfg.Scale
	sampleOpts.Geometries = cfg.Geometries
	if cfg.TileScale > 0 {
		sampleOpts.TileScale = cfg.TileScale
	}

	samples, err := client.SampleImageByCollection(ctx, earthengine.ImageLoad(cfg.Image), collection, sampleOpts)
	if err != nil {
		return nil, err
	}
	return client.ExportTrainingData(ctx, samples, cfg.Target, cfg.Start, earthengine.ExportOptions{
		Description: cfg.Description,
		FilePrefix:  cfg.FilePrefix,
		Bucket:      bucket,
		FileFormat:  cfg.FileFormat,
		Selectors:   cfg.Selectors,
	})
}

// ComputeStatistics reduces an image over the union of a feature collection.
func ComputeStatistics(ctx context.Context, client *earthengine.Client, image, region string, scale float64) (map[string]float64, error) {
	geometry := earthengine.CollectionGeometry(earthengine.FeatureCollectionLoad(region))
	return client.MinMaxStatistics(ctx, earthengine.ImageLoad(image), geometry, scale)
}
