// Package api implements content extraction for structured JSON API sources.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
)

// Endpoints holds the per-site API endpoint templates. %s is replaced with
// the url-encoded target.
type Endpoints struct {
	Detail   string `mapstructure:"detail"`
	Children string `mapstructure:"children"`
	Images   string `mapstructure:"images"`
}

// Extractor implements crawl.ContentExtractor against a JSON API.
type Extractor struct {
	fetch     crawl.FetchClient
	endpoints Endpoints
	logger    *zap.Logger
}

// New builds an Extractor for one API source.
func New(fetch crawl.FetchClient, endpoints Endpoints, logger *zap.Logger) *Extractor {
	return &Extractor{fetch: fetch, endpoints: endpoints, logger: logger}
}

// Structured reports that this source serves structured responses.
func (e *Extractor) Structured() bool { return true }

type detailResponse struct {
	Data struct {
		Name       string   `json:"name"`
		OriginName string   `json:"origin_name"`
		Author     string   `json:"author"`
		Cover      string   `json:"thumb_url"`
		AltNames   []string `json:"other_name"`
	} `json:"data"`
}

type childrenResponse struct {
	Data []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"data"`
}

type imagesResponse struct {
	Data []struct {
		Page int    `json:"page"`
		URL  string `json:"url"`
	} `json:"data"`
}

// DetectInfo queries the detail endpoint for top-level metadata.
func (e *Extractor) DetectInfo(ctx context.Context, target string) (crawl.SourceInfo, error) {
	var resp detailResponse
	if err := e.call(ctx, e.endpoints.Detail, target, &resp); err != nil {
		return crawl.SourceInfo{}, err
	}
	if resp.Data.Name == "" {
		return crawl.SourceInfo{}, crawl.Structural(fmt.Errorf("detail response for %s has no name", target))
	}
	return crawl.SourceInfo{
		Name:       resp.Data.Name,
		OriginName: resp.Data.OriginName,
		Author:     resp.Data.Author,
		CoverURL:   resp.Data.Cover,
		AltNames:   resp.Data.AltNames,
	}, nil
}

// ListChildren queries the children endpoint.
func (e *Extractor) ListChildren(ctx context.Context, target, _ string) ([]crawl.ChildRef, error) {
	var resp childrenResponse
	if err := e.call(ctx, e.endpoints.Children, target, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, crawl.Structural(fmt.Errorf("children response for %s is empty", target))
	}
	children := make([]crawl.ChildRef, 0, len(resp.Data))
	for i, d := range resp.Data {
		children = append(children, crawl.ChildRef{URL: d.URL, Name: d.Name, Position: i})
	}
	return children, nil
}

// ListImageURLs queries the images endpoint and returns page-ordered URLs.
func (e *Extractor) ListImageURLs(ctx context.Context, params crawl.LeafParams) ([]string, error) {
	var resp imagesResponse
	if err := e.call(ctx, e.endpoints.Images, params.ChapterURL, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, crawl.Structural(fmt.Errorf("images response for %s is empty", params.ChapterURL))
	}
	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		urls = append(urls, d.URL)
	}
	return urls, nil
}

// DetectChapterInfo builds chapter info from the detail endpoint; API sources
// reuse the detail name with the image count appended.
func (e *Extractor) DetectChapterInfo(ctx context.Context, target string, imageURLs []string) (crawl.SourceInfo, error) {
	info, err := e.DetectInfo(ctx, target)
	if err != nil {
		return crawl.SourceInfo{}, err
	}
	info.Name = fmt.Sprintf("%s (%d pages)", info.Name, len(imageURLs))
	return info, nil
}

func (e *Extractor) call(ctx context.Context, template, target string, out any) error {
	if template == "" {
		return crawl.Structural(fmt.Errorf("endpoint not configured for %s", target))
	}
	endpoint := strings.ReplaceAll(template, "%s", url.QueryEscape(target))
	headers := e.fetch.BuildHeaders(extractor.Domain(endpoint))
	headers.Set("Accept", "application/json")

	body, err := e.fetch.FetchText(ctx, endpoint, headers)
	if err != nil {
		return fmt.Errorf("call api: %w", err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return crawl.Structural(fmt.Errorf("decode api response from %s: %w", endpoint, err))
	}
	return nil
}
