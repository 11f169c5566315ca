// Package earthengine talks to the Earth Engine REST API: value computation,
// pixel downloads and table exports.
package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/session"
)

const maxErrorBody = 4096

type Client struct {
	session *session.Session
}

func NewClient(s *session.Session) *Client {
	return &Client{session: s}
}

func (c *Client) Session() *session.Session {
	return c.session
}

// post sends a JSON body and returns the raw response payload.
func (c *Client) post(ctx context.Context, url string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	logger.Debugf("POST %s", url)
	return c.do(req)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	logger.Debugf("GET %s", url)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.session.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (c *Client) projectURL(method string) string {
	return c.session.URL("v1", c.session.ProjectPath(), method)
}

// ComputeValue evaluates an expression and decodes its result into out.
func (c *Client) ComputeValue(ctx context.Context, v Value, out interface{}) error {
	body, err := c.post(ctx, c.projectURL("value:compute"), map[string]interface{}{
		"expression": NewExpression(v),
	})
	if err != nil {
		return fmt.Errorf("failed to compute value: %w", err)
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode computed value: %w", err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode computed value: %w", err)
	}
	return nil
}

// PropertyNames lists the property names of the first feature of a collection.
func (c *Client) PropertyNames(ctx context.Context, collection Value) ([]string, error) {
	var names []string
	if err := c.ComputeValue(ctx, PropertyNames(First(collection)), &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Grid is the output pixel grid of a computePixels call.
type Grid struct {
	Width, Height  int
	ScaleX, ScaleY float64
	TranslateX     float64
	TranslateY     float64
	CRS            string
}

func (g Grid) request() map[string]interface{} {
	crs := g.CRS
	if crs == "" {
		crs = "EPSG:4326"
	}
	return map[string]interface{}{
		"dimensions": map[string]int{"width": g.Width, "height": g.Height},
		"affineTransform": map[string]float64{
			"scaleX":     g.ScaleX,
			"shearX":     0,
			"translateX": g.TranslateX,
			"shearY":     0,
			"scaleY":     g.ScaleY,
			"translateY": g.TranslateY,
		},
		"crsCode": crs,
	}
}

// ComputePixels renders an image on a grid and returns the encoded pixels.
func (c *Client) ComputePixels(ctx context.Context, image Value, bands []string, format string, grid Grid) ([]byte, error) {
	req := map[string]interface{}{
		"expression": NewExpression(image),
		"fileFormat": format,
		"grid":       grid.request(),
	}
	if len(bands) > 0 {
		req["bandIds"] = bands
	}
	body, err := c.post(ctx, c.projectURL("image:computePixels"), req)
	if err != nil {
		return nil, fmt.Errorf("failed to compute pixels: %w", err)
	}
	return body, nil
}

// DownloadRequest describes a pixel download of an image over a region.
type DownloadRequest struct {
	Image      Value
	Region     Value
	Bands      []string
	Dimensions [2]int
	Format     string
}

// GetDownloadURL registers a thumbnail for the request and returns the URL
// serving its pixels.
func (c *Client) GetDownloadURL(ctx context.Context, r DownloadRequest) (string, error) {
	image := ClipToBoundsAndScale(Select(r.Image, r.Bands), r.Region, r.Dimensions[0], r.Dimensions[1])
	req := map[string]interface{}{
		"expression": NewExpression(image),
		"fileFormat": r.Format,
	}
	if len(r.Bands) > 0 {
		req["bandIds"] = r.Bands
	}
	body, err := c.post(ctx, c.session.URL("v1", c.session.ProjectPath(), "thumbnails"), req)
	if err != nil {
		return "", fmt.Errorf("failed to create download url: %w", err)
	}
	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode download id: %w", err)
	}
	if resp.Name == "" {
		return "", fmt.Errorf("download id missing from response")
	}
	return c.session.URL("v1", resp.Name+":getPixels"), nil
}

// Download fetches a URL returned by GetDownloadURL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url)
}
