// Package collector is the HTTP client side of the collector protocol: crawlers
// fetch their parameters from it and report each finished record to it.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

const (
	defaultTimeout = 60 * time.Second
	errorBodyLimit = 512
)

// StatusError is returned when the collector answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: collector returned %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: collector returned %d: %s", e.Op, e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	APIKey  string
	// Transport overrides the default HTTP transport.
	Transport http.RoundTripper
}

// Client talks to one collector endpoint. It implements crawler.ResultSink.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// New returns a Client for endpoint, e.g. "http://127.0.0.1:4242".
func New(endpoint string, opts Options) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("collector endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("collector endpoint %q must be an http(s) URL", endpoint)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   opts.APIKey,
		http:     &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
	}, nil
}

// Endpoint returns the collector base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Report posts rec to /save.
func (c *Client) Report(ctx context.Context, rec crawler.JobRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/save", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.URL, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode/100 != 2 {
		return statusError("save "+rec.URL, resp)
	}
	return nil
}

// FetchParameters gets the crawl parameters from /parameters.
func (c *Client) FetchParameters(ctx context.Context) (crawler.Parameters, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/parameters", nil)
	if err != nil {
		return crawler.Parameters{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return crawler.Parameters{}, fmt.Errorf("fetch parameters: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return crawler.Parameters{}, statusError("fetch parameters", resp)
	}
	var params crawler.Parameters
	if err := json.NewDecoder(resp.Body).Decode(&params); err != nil {
		return crawler.Parameters{}, fmt.Errorf("decode parameters: %w", err)
	}
	return params, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
