// Package fetch implements the HTTP fetch client using gocolly.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// ExtraHeaders are merged into every request after the defaults.
	ExtraHeaders map[string]string
}

// Client implements crawl.FetchClient using a Colly collector per request.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; truyengg-crawler/1.0)"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Client{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// BuildHeaders returns the default header set for requests against one source
// domain. Comic hosts reject image requests without a matching referer.
func (c *Client) BuildHeaders(refererDomain string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "vi-VN,vi;q=0.9,en;q=0.8")
	if refererDomain != "" {
		h.Set("Referer", fmt.Sprintf("https://%s/", refererDomain))
	}
	for k, v := range c.cfg.ExtraHeaders {
		h.Set(k, v)
	}
	return h
}

// FetchText fetches a URL and returns the body as a string. Timeouts and
// non-2xx responses surface as TransientError so the queue can retry.
func (c *Client) FetchText(ctx context.Context, url string, headers http.Header) (string, error) {
	body, err := c.fetch(ctx, url, headers)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchBinary fetches a URL and returns the raw bytes.
func (c *Client) FetchBinary(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	return c.fetch(ctx, url, headers)
}

func (c *Client) fetch(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	collector := c.baseCollector.Clone()
	collector.UserAgent = c.cfg.UserAgent
	collector.SetRequestTimeout(c.cfg.Timeout)

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	if err := collector.Visit(url); err != nil {
		fetchErr = err
	}
	collector.Wait()

	if fetchErr != nil {
		c.logger.Debug("fetch failed",
			zap.String("url", url),
			zap.Int("status", statusCode),
			zap.Error(fetchErr),
		)
		return nil, crawl.Transient(fmt.Errorf("fetch %s (status %d): %w", url, statusCode, fetchErr))
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, crawl.Transient(fmt.Errorf("fetch %s: unexpected status %d", url, statusCode))
	}
	return body, nil
}
