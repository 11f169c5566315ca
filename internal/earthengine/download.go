package earthengine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/forest-guardian/aces-landcover/internal/dataset"
	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/npy"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const (
	FormatNPY     = "NPY"
	FormatGeoTIFF = "GEO_TIFF"

	downloadRetryBudget = 300 * time.Second
)

// PatchDecoder turns a downloaded payload into a patch holding the bands.
type PatchDecoder func(payload []byte, bands []string) (*dataset.Patch, error)

// DecodeNPY is the decoder for FormatNPY payloads.
func DecodeNPY(payload []byte, bands []string) (*dataset.Patch, error) {
	arr, err := npy.Read(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return dataset.PatchFromNPY(arr, bands)
}

// DownloadPolicy retries for up to five minutes.
func DownloadPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = downloadRetryBudget
	return b
}

// ComputePolicy is the default exponential policy.
func ComputePolicy() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// Downloader fetches training patches centred on sample points.
type Downloader struct {
	Client *Client
	Format string
	Decode PatchDecoder
	// Policies build a fresh retry schedule for each patch.
	DownloadPolicy func() backoff.BackOff
	ComputePolicy  func() backoff.BackOff
}

func NewDownloader(c *Client) *Downloader {
	return &Downloader{
		Client:         c,
		Format:         FormatNPY,
		Decode:         DecodeNPY,
		DownloadPolicy: DownloadPolicy,
		ComputePolicy:  ComputePolicy,
	}
}

// PatchRegion is the bounding box of a circle of radius scale*patchSize/2
// metres around center.
func PatchRegion(center orb.Point, scale float64, patchSize int) orb.Polygon {
	return geo.NewBoundAroundPoint(center, scale*float64(patchSize)/2).ToPolygon()
}

// GetTrainingPatch downloads a patchSize x patchSize patch of the image bands
// around center. Only 429 answers are retried, for at most five minutes; any
// other failure is returned immediately.
func (d *Downloader) GetTrainingPatch(ctx context.Context, center orb.Point, image Value, bands []string, scale float64, patchSize int) (*dataset.Patch, error) {
	req := DownloadRequest{
		Image:      image,
		Region:     Geometry(PatchRegion(center, scale, patchSize)),
		Bands:      bands,
		Dimensions: [2]int{patchSize, patchSize},
		Format:     d.Format,
	}

	var payload []byte
	op := func() error {
		url, err := d.Client.GetDownloadURL(ctx, req)
		if err == nil {
			payload, err = d.Client.Download(ctx, url)
		}
		if err != nil && !IsTooManyRequests(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("Rate limited downloading patch at %v, retrying in %s", center, wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(d.DownloadPolicy(), ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to download patch at %v: %w", center, err)
	}
	return d.decode(payload, bands, patchSize)
}

// ComputePatch renders the patch on an EPSG:4326 grid anchored at center with
// the given degree scales. 429, 500 and 503 answers are retried.
func (d *Downloader) ComputePatch(ctx context.Context, center orb.Point, image Value, bands []string, patchSize int, scaleX, scaleY float64) (*dataset.Patch, error) {
	grid := Grid{
		Width:      patchSize,
		Height:     patchSize,
		ScaleX:     scaleX,
		ScaleY:     scaleY,
		TranslateX: center.Lon(),
		TranslateY: center.Lat(),
	}

	var payload []byte
	op := func() error {
		var err error
		payload, err = d.Client.ComputePixels(ctx, image, bands, d.Format, grid)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("Compute pixels at %v failed (%v), retrying in %s", center, err, wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(d.ComputePolicy(), ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to compute patch at %v: %w", center, err)
	}
	return d.decode(payload, bands, patchSize)
}

func (d *Downloader) decode(payload []byte, bands []string, patchSize int) (*dataset.Patch, error) {
	patch, err := d.Decode(payload, bands)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}
	if patch.Width != patchSize || patch.Height != patchSize {
		return nil, fmt.Errorf("downloaded patch is %dx%d, expected %dx%d", patch.Width, patch.Height, patchSize, patchSize)
	}
	return patch, nil
}
