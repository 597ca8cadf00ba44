package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BadgerOps/openwb-backup/internal/safety"
)

// ErrDestinationExists is returned when the destination file is already
// present. Downloads never overwrite.
var ErrDestinationExists = errors.New("destination file already exists")

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// DownloadOptions contains configuration for a single download.
type DownloadOptions struct {
	URL        string
	DestPath   string
	OnProgress ProgressFunc
}

// DownloadResult contains the result of a successful download.
type DownloadResult struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Final file size in bytes
	SHA256   string        // SHA256 checksum in hex
	Duration time.Duration // Total download duration
}

// Client performs single-attempt HTTP downloads into new files.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClientWithHTTP creates a download client around an existing http.Client.
func NewClientWithHTTP(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		userAgent:  "openwb-backup/1.0",
	}
}

// Download fetches URL and writes the body to DestPath. The destination is
// created exclusively; if it exists the download fails with
// ErrDestinationExists. A partially written file is removed on failure.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	file, err := os.OpenFile(opts.DestPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, opts.DestPath)
		}
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	result, err := c.copyBody(file, resp, opts)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close file: %w", closeErr)
	}
	if err != nil {
		if rmErr := os.Remove(opts.DestPath); rmErr != nil && !os.IsNotExist(rmErr) {
			c.logger.Warn("failed to remove partial download", "path", opts.DestPath, "error", rmErr)
		}
		return nil, err
	}

	result.Duration = time.Since(startTime)
	return result, nil
}

// copyBody streams the response into file while hashing it.
func (c *Client) copyBody(file *os.File, resp *http.Response, opts DownloadOptions) (*DownloadResult, error) {
	totalSize := resp.ContentLength
	if totalSize < 0 {
		totalSize = 0
	}

	var reader io.Reader = resp.Body
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   resp.Body,
			callback: opts.OnProgress,
			total:    totalSize,
		}
	}

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, h), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to write to file: %w", err)
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		return nil, fmt.Errorf("short body: got %d bytes, expected %d", written, resp.ContentLength)
	}

	return &DownloadResult{
		Path:   opts.DestPath,
		Size:   written,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.callback != nil {
			pr.callback(pr.current, pr.total)
		}
	}
	return n, err
}
