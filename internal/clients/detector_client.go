package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// Detector finds objects in a single frame
type Detector interface {
	Detect(ctx context.Context, frame *image.RGBA) ([]models.Detection, error)
}

// ErrDetectorTimeout is returned when a detect call exceeds its deadline
var ErrDetectorTimeout = errors.New("detector timed out")

// DetectorClient calls a remote detection service over HTTP. Calls are
// single-shot; a failed call is reported to the caller and never retried.
type DetectorClient struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	minConfidence float64
	jpegQuality   int
}

// DetectorOptions configures a DetectorClient
type DetectorOptions struct {
	Timeout       time.Duration // Per call, 0 for none
	MinConfidence float64       // Detections below this are discarded
	JPEGQuality   int           // Upload encoding quality, default 90
}

// NewDetectorClient creates a new detector client
func NewDetectorClient(baseURL string, opts DetectorOptions) *DetectorClient {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 90
	}
	return &DetectorClient{
		baseURL:       baseURL,
		httpClient:    &http.Client{},
		timeout:       opts.Timeout,
		minConfidence: opts.MinConfidence,
		jpegQuality:   opts.JPEGQuality,
	}
}

type detectRequest struct {
	Image  string `json:"image"` // Base64 JPEG
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type detectResponse struct {
	Detections []models.Detection `json:"detections"`
}

// Detect uploads frame and returns the detections at or above the confidence floor
func (c *DetectorClient) Detect(ctx context.Context, frame *image.RGBA) ([]models.Detection, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	payload := detectRequest{
		Image:  base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:  frame.Rect.Dx(),
		Height: frame.Rect.Dy(),
	}

	var response detectResponse
	if err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/detect", payload, &response); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrDetectorTimeout, c.timeout)
		}
		return nil, fmt.Errorf("detection failed: %w", err)
	}

	// Filter by confidence threshold
	filtered := make([]models.Detection, 0, len(response.Detections))
	for _, det := range response.Detections {
		if det.Confidence >= c.minConfidence {
			filtered = append(filtered, det)
		}
	}
	return filtered, nil
}

// doRequest performs a single HTTP request
func (c *DetectorClient) doRequest(ctx context.Context, method, url string, payload interface{}, result interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", fmt.Sprintf("beanscan-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	// Parse response
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// HealthCheck checks if the detection service is available
func (c *DetectorClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// NullDetector reports no objects in any frame
type NullDetector struct{}

// Detect always returns an empty list
func (NullDetector) Detect(context.Context, *image.RGBA) ([]models.Detection, error) {
	return []models.Detection{}, nil
}
