// Package device talks to the openWB web interface: it asks the wallbox to
// build a backup archive and fetches the archive it links to.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BadgerOps/openwb-backup/internal/download"
	"github.com/BadgerOps/openwb-backup/internal/safety"
)

// TriggerPath is the page that makes the device produce a fresh backup.
const TriggerPath = "/openWB/web/settings/backup.php"

const maxTriggerBodyBytes int64 = 1 << 20

var (
	// ErrAmbiguousLinks means the trigger page linked to more than one file.
	// The fetcher does not guess which one is the archive.
	ErrAmbiguousLinks = errors.New("trigger response contains more than one link")
	// ErrNoLinks means the trigger page linked to nothing.
	ErrNoLinks = errors.New("trigger response contains no link")
)

// Outcome classifies a FetchBackup call.
type Outcome string

const (
	Downloaded                 Outcome = "downloaded"
	TriggeredButDownloadFailed Outcome = "triggered_but_download_failed"
	TriggerFailed              Outcome = "trigger_failed"
)

// TriggerResponse is what the trigger page returned.
type TriggerResponse struct {
	StatusCode int
	Status     string
	Links      []string
}

// Artifact is a backup archive copied from the device.
type Artifact struct {
	RemoteURL string
	LocalPath string
	Size      int64
	SHA256    string
	Duration  time.Duration
}

// Result is the outcome of one FetchBackup call. Trigger is nil when the
// trigger request itself could not be made; Artifact is set only for
// Downloaded.
type Result struct {
	Outcome  Outcome
	Trigger  *TriggerResponse
	Link     string
	Artifact *Artifact
}

// TriggerError reports a failed or unusable trigger response.
type TriggerError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *TriggerError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("backup trigger failed: %d %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("backup trigger failed: %v", e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

// DownloadError reports that the device created a backup but it could not be
// copied locally. Retrying the download alone may succeed.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("backup created on device but download of %s failed: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Client fetches backups from one device.
type Client struct {
	address    string
	httpClient *http.Client
	downloader *download.Client
	logger     *slog.Logger
	onProgress download.ProgressFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for both requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithProgress sets a callback for download progress.
func WithProgress(fn download.ProgressFunc) Option {
	return func(c *Client) { c.onProgress = fn }
}

// NewClient returns a client for the device at address (host or host:port).
func NewClient(address string, logger *slog.Logger, opts ...Option) (*Client, error) {
	addr, err := safety.ValidateDeviceAddress(address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		address:    addr,
		httpClient: safety.NewHTTPClient(0),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.downloader = download.NewClientWithHTTP(c.httpClient, logger)
	return c, nil
}

// Address returns the validated device address.
func (c *Client) Address() string { return c.address }

// TriggerURL returns the URL of the backup trigger page.
func (c *Client) TriggerURL() string {
	return "http://" + c.address + TriggerPath
}

// Trigger asks the device to build a backup and returns the parsed
// response. A non-200 status is not an error here; callers decide.
func (c *Client) Trigger(ctx context.Context) (*TriggerResponse, error) {
	url := c.TriggerURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.logger.Info("requesting backup", "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	tr := &TriggerResponse{
		StatusCode: resp.StatusCode,
		Status:     statusText(resp),
	}
	if resp.StatusCode != http.StatusOK {
		return tr, nil
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxTriggerBodyBytes)
	if err != nil {
		return tr, fmt.Errorf("reading response body: %w", err)
	}
	tr.Links = extractLinks(body)
	return tr, nil
}

// FetchBackup triggers a backup and downloads the linked archive to dest.
// The returned error is non-nil for every outcome except Downloaded and is
// either a *TriggerError or a *DownloadError.
func (c *Client) FetchBackup(ctx context.Context, dest string) (*Result, error) {
	tr, err := c.Trigger(ctx)
	if err != nil {
		te := &TriggerError{Err: err}
		if tr != nil {
			te.StatusCode, te.Status = tr.StatusCode, tr.Status
		}
		return &Result{Outcome: TriggerFailed, Trigger: tr}, te
	}
	res := &Result{Trigger: tr}

	if tr.StatusCode != http.StatusOK {
		c.logger.Error("backup trigger returned unexpected status", "status_code", tr.StatusCode, "status", tr.Status)
		res.Outcome = TriggerFailed
		return res, &TriggerError{
			StatusCode: tr.StatusCode,
			Status:     tr.Status,
			Err:        fmt.Errorf("unexpected status code: %d", tr.StatusCode),
		}
	}
	c.logger.Info("backup trigger succeeded", "status_code", tr.StatusCode, "status", tr.Status, "links", len(tr.Links))

	switch len(tr.Links) {
	case 1:
	case 0:
		c.logger.Error("backup trigger response has no link")
		res.Outcome = TriggerFailed
		return res, &TriggerError{StatusCode: tr.StatusCode, Status: tr.Status, Err: ErrNoLinks}
	default:
		c.logger.Error("backup trigger response has more than one link", "links", tr.Links)
		res.Outcome = TriggerFailed
		return res, &TriggerError{StatusCode: tr.StatusCode, Status: tr.Status, Err: ErrAmbiguousLinks}
	}
	res.Link = tr.Links[0]

	u, err := safety.JoinRemotePath(c.address, res.Link)
	if err != nil {
		c.logger.Error("backup link is not usable", "link", res.Link, "error", err)
		res.Outcome = TriggerFailed
		return res, &TriggerError{StatusCode: tr.StatusCode, Status: tr.Status, Err: err}
	}
	downloadURL := u.String()

	c.logger.Info("downloading backup", "url", downloadURL, "path", dest)
	dl, err := c.downloader.Download(ctx, download.DownloadOptions{
		URL:        downloadURL,
		DestPath:   dest,
		OnProgress: c.onProgress,
	})
	if err != nil {
		c.logger.Error("backup download failed", "url", downloadURL, "error", err)
		res.Outcome = TriggeredButDownloadFailed
		return res, &DownloadError{URL: downloadURL, Err: err}
	}

	res.Outcome = Downloaded
	res.Artifact = &Artifact{
		RemoteURL: downloadURL,
		LocalPath: dl.Path,
		Size:      dl.Size,
		SHA256:    dl.SHA256,
		Duration:  dl.Duration,
	}
	c.logger.Info("backup downloaded", "path", dl.Path, "bytes", dl.Size, "sha256", dl.SHA256)
	return res, nil
}

// statusText returns the reason phrase without the numeric code.
func statusText(resp *http.Response) string {
	if s := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode))); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}
