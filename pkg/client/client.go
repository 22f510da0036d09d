// Package client wraps the modsync server's HTTP API for the probe and sync
// engines. Every call takes a context and is bounded by the configured
// timeout; long-running file downloads are bounded by the caller's context
// instead so that large transfers aren't cut off mid-stream.
package client

import (
	"context"
	"encoding/json"
	goErrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modsync/modsync/pkg/errors"
	"github.com/modsync/modsync/pkg/manifest"
	"github.com/modsync/modsync/pkg/server"
)

// DefaultTimeout bounds metadata requests (manifest, ping, status).
const DefaultTimeout = 30 * time.Second

// Client talks to one modsync server.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
}

// New creates a client for the given server URL.
func New(serverURL string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.WithContext(err, "parse server URL")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: base,
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
	}, nil
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Code int
}

func (err StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", err.Code, http.StatusText(err.Code))
}

// Transient returns whether an error is worth retrying: timeouts, broken
// connections, and server-side failures. Client-side statuses such as 404
// are permanent.
func Transient(err error) bool {
	root := errors.RootCause(err)

	if statusErr, ok := root.(StatusError); ok {
		return statusErr.Code >= 500
	}

	var netErr net.Error
	if goErrors.As(root, &netErr) {
		return true
	}

	// Connection resets and unexpected EOFs arrive as plain errors from the
	// HTTP transport.
	return root == io.ErrUnexpectedEOF || root == io.EOF ||
		strings.Contains(root.Error(), "connection reset") ||
		strings.Contains(root.Error(), "connection refused") ||
		strings.Contains(root.Error(), "broken pipe")
}

// FetchManifest retrieves the server's current manifest.
func (c *Client) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.get(ctx, "/hashes.json", nil)
	if err != nil {
		return nil, errors.WithContext(err, "fetch manifest")
	}
	defer resp.Body.Close()

	var m manifest.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, errors.WithContext(err, "decode manifest")
	}
	if m.Files == nil {
		m.Files = map[string]manifest.FileEntry{}
	}
	return &m, nil
}

// Ping measures one round trip of the liveness endpoint.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.get(ctx, "/ping", nil)
	if err != nil {
		return 0, errors.WithContext(err, "ping")
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, errors.WithContext(err, "read ping response")
	}
	return time.Since(start), nil
}

// SpeedTest downloads a test payload of the given size and returns the
// measured throughput in bytes per second.
func (c *Client) SpeedTest(ctx context.Context, size int64) (float64, error) {
	if size <= 0 {
		size = server.DefaultSpeedTestSize
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.get(ctx, fmt.Sprintf("/speedtest?size=%d", size), nil)
	if err != nil {
		return 0, errors.WithContext(err, "speed test")
	}
	defer resp.Body.Close()

	received, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, errors.WithContext(err, "read speed test payload")
	}

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	return float64(received) / elapsed.Seconds(), nil
}

// Status fetches the server's status report.
func (c *Client) Status(ctx context.Context) (*server.ServerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.get(ctx, "/status", nil)
	if err != nil {
		return nil, errors.WithContext(err, "fetch status")
	}
	defer resp.Body.Close()

	var status server.ServerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.WithContext(err, "decode status")
	}
	return &status, nil
}

// OpenFile starts a download of the given relative path at the given byte
// offset. It returns the response body and the offset the server actually
// honored: servers without range support reply with the whole file, in which
// case the returned offset is 0 and the caller must start over.
func (c *Client) OpenFile(ctx context.Context, relPath string, offset int64) (io.ReadCloser, int64, error) {
	var header http.Header
	if offset > 0 {
		header = http.Header{"Range": []string{fmt.Sprintf("bytes=%d-", offset)}}
	}

	resp, err := c.get(ctx, escapePath(relPath), header)
	if err != nil {
		return nil, 0, err
	}

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		return resp.Body, 0, nil
	}
	return resp.Body, offset, nil
}

// OpenRange starts a download of exactly `length` bytes beginning at
// `start`. Used for chunked parallel transfers of large files.
func (c *Client) OpenRange(ctx context.Context, relPath string, start, length int64) (io.ReadCloser, error) {
	header := http.Header{
		"Range": []string{fmt.Sprintf("bytes=%d-%d", start, start+length-1)},
	}

	resp, err := c.get(ctx, escapePath(relPath), header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, errors.New("server does not support range requests")
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, path string, header http.Header) (*http.Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, errors.WithContext(err, "parse path")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, errors.WithContext(err, "build request")
	}
	for key, values := range header {
		req.Header[key] = values
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp, nil
	default:
		resp.Body.Close()
		return nil, StatusError{Code: resp.StatusCode}
	}
}

func escapePath(relPath string) string {
	parts := strings.Split(relPath, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return "/" + strings.Join(parts, "/")
}
