package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Intake spools submitted videos into the upload directory, either from a
// request body or by downloading a URL
type Intake struct {
	client       *http.Client
	maxRetries   int
	retryDelay   time.Duration
	maxFileSize  int64 // Maximum file size in bytes
	allowedTypes []string
	allowedExts  map[string]bool
	dir          string
}

// IntakeConfig holds configuration for Intake
type IntakeConfig struct {
	MaxRetries        int           // Default: 3
	RetryDelay        time.Duration // Default: 2s
	Timeout           time.Duration // Default: 5min
	MaxFileSize       int64         // Default: 2GB
	AllowedTypes      []string      // Default: ["video/", "application/octet-stream"]
	AllowedExtensions []string      // Default: .mp4 .avi .mov .mkv
	Dir               string        // Required
}

// NewIntake creates an Intake, filling unset fields with defaults
func NewIntake(config IntakeConfig) *Intake {
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 2 * 1024 * 1024 * 1024
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = []string{"video/", "application/octet-stream"}
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}
	}
	exts := make(map[string]bool, len(config.AllowedExtensions))
	for _, ext := range config.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	return &Intake{
		client: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		maxFileSize:  config.MaxFileSize,
		allowedTypes: config.AllowedTypes,
		allowedExts:  exts,
		dir:          config.Dir,
	}
}

// MaxFileSize returns the upload cap in bytes
func (d *Intake) MaxFileSize() int64 { return d.maxFileSize }

// CheckExtension validates the file name of a submission and returns its
// lower-cased extension
func (d *Intake) CheckExtension(name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !d.allowedExts[ext] {
		return "", &ValidationError{
			Field:   "filename",
			Value:   name,
			Message: fmt.Sprintf("unsupported video format %q", ext),
		}
	}
	return ext, nil
}

// SaveUpload copies src to <dir>/<jobID><ext>, enforcing the size limit
func (d *Intake) SaveUpload(jobID, name string, src io.Reader) (string, error) {
	ext, err := d.CheckExtension(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	dest := filepath.Join(d.dir, jobID+ext)
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := d.copyWithLimit(file, src, d.maxFileSize); err != nil {
		file.Close()
		os.Remove(dest)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to close upload file: %w", err)
	}
	return dest, nil
}

// DownloadFile downloads rawURL into the upload directory with retry logic
func (d *Intake) DownloadFile(ctx context.Context, rawURL, jobID string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", &ValidationError{Field: "video_url", Value: rawURL, Message: "must be an http(s) URL"}
	}
	if _, err := d.CheckExtension(path.Base(parsed.Path)); err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		filePath, err := d.downloadAttempt(ctx, parsed, jobID)
		if err == nil {
			return filePath, nil
		}

		lastErr = err

		// Don't retry on validation errors (wrong content type, file too large)
		if !isRetryableError(err) {
			return "", fmt.Errorf("download failed (non-retryable): %w", err)
		}

		if attempt < d.maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.retryDelay * time.Duration(attempt)):
			}
		}
	}

	return "", fmt.Errorf("download failed after %d attempts: %w", d.maxRetries, lastErr)
}

func (d *Intake) downloadAttempt(ctx context.Context, u *url.URL, jobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "BeanScan-Worker/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !d.isAllowedContentType(contentType) {
		return "", &ValidationError{
			Field:   "Content-Type",
			Value:   contentType,
			Message: fmt.Sprintf("unsupported content type: %s (expected video/*)", contentType),
		}
	}

	if resp.ContentLength > 0 && resp.ContentLength > d.maxFileSize {
		return "", &ValidationError{
			Field:   "Content-Length",
			Value:   fmt.Sprintf("%d bytes", resp.ContentLength),
			Message: fmt.Sprintf("file too large: %d bytes (max: %d bytes)", resp.ContentLength, d.maxFileSize),
		}
	}

	// A failed earlier attempt may have left a partial file behind
	ext := strings.ToLower(path.Ext(u.Path))
	os.Remove(filepath.Join(d.dir, jobID+ext))
	return d.SaveUpload(jobID, path.Base(u.Path), resp.Body)
}

// copyWithLimit copies data with size limit
func (d *Intake) copyWithLimit(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	limitedReader := io.LimitReader(src, limit+1) // +1 to detect overflow
	written, err := io.Copy(dst, limitedReader)
	if err != nil {
		return written, fmt.Errorf("copy failed: %w", err)
	}

	if written > limit {
		return written, &ValidationError{
			Field:   "file_size",
			Value:   fmt.Sprintf("%d bytes", written),
			Message: fmt.Sprintf("file exceeded size limit: %d bytes (max: %d bytes)", written, limit),
		}
	}
	if written == 0 {
		return 0, &ValidationError{Field: "file_size", Value: "0 bytes", Message: "empty upload"}
	}

	return written, nil
}

func (d *Intake) isAllowedContentType(contentType string) bool {
	if contentType == "" {
		// Allow empty content type (some servers don't set it)
		return true
	}

	for _, allowed := range d.allowedTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}

	return false
}

func isRetryableError(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	// Don't retry 4xx client errors
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}

	return true
}

// Cleanup removes a spooled file. Only files inside the intake directory are touched.
func (d *Intake) Cleanup(filePath string) error {
	if filePath == "" {
		return nil
	}
	rel, err := filepath.Rel(d.dir, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to delete file outside upload directory: %s", filePath)
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HTTPError represents an HTTP error
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %s)", e.Field, e.Message, e.Value)
}
