package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// NewHTTPClient creates an HTTP client for talking to a device on the local
// network. Dial and header timeouts are bounded; the body read is not, so a
// large archive can stream for as long as it needs. A positive timeout sets
// an overall limit anyway.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: 5 * time.Minute,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          4,
			MaxIdleConnsPerHost:   2,
		},
	}
}

// ReadAllWithLimit reads from r and fails if content exceeds limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ValidateDeviceAddress checks that addr is a bare host or host:port with
// no scheme, path, query or userinfo, and returns it trimmed.
func ValidateDeviceAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("device address is empty")
	}
	if strings.Contains(addr, "://") {
		return "", fmt.Errorf("device address must not include a scheme: %q", addr)
	}
	if strings.ContainsAny(addr, "/?#@ \t") {
		return "", fmt.Errorf("device address must be a host or host:port: %q", addr)
	}
	u, err := url.Parse("http://" + addr)
	if err != nil {
		return "", fmt.Errorf("invalid device address %q: %w", addr, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("device address has no host: %q", addr)
	}
	if port := u.Port(); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			return "", fmt.Errorf("invalid port in device address %q: %w", addr, err)
		}
	}
	return addr, nil
}

// JoinRemotePath builds http://<addr><path>. The path must be absolute on
// the device; links carrying their own scheme or host are rejected so a
// response can never redirect the download to another machine.
func JoinRemotePath(addr, path string) (*url.URL, error) {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return nil, fmt.Errorf("link is not an absolute path on the device: %q", path)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid link %q: %w", path, err)
	}
	if ref.Scheme != "" || ref.Host != "" || ref.User != nil {
		return nil, fmt.Errorf("link must not name a scheme or host: %q", path)
	}
	u, err := url.Parse("http://" + addr + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL for link %q: %w", path, err)
	}
	return u, nil
}
