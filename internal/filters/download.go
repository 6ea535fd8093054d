package filters

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	defaultDownloadTimeout = 60 * time.Second
	maxListSize            = 64 << 20
)

// CollyDownloader fetches filter lists over HTTP with a colly collector.
type CollyDownloader struct {
	userAgent string
	timeout   time.Duration
	base      *colly.Collector
}

// NewCollyDownloader builds a downloader. A zero timeout uses 60s.
func NewCollyDownloader(userAgent string, timeout time.Duration) *CollyDownloader {
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.MaxBodySize = maxListSize
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	return &CollyDownloader{userAgent: userAgent, timeout: timeout, base: c}
}

// Download returns the body of url. Non-2xx responses are errors.
func (d *CollyDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	collector := d.base.Clone()
	collector.SetRequestTimeout(d.timeout)
	if d.userAgent != "" {
		collector.UserAgent = d.userAgent
	}

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("download %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", url, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("download %s: %w", url, fetchErr)
		}
		return body, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
