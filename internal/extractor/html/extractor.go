// Package html implements content extraction for HTML-scraped comic sources.
package html

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
)

// Selectors holds the per-site CSS selectors. Each scraped source configures
// its own set.
type Selectors struct {
	ComicLink    string `mapstructure:"comic_link"`
	ComicName    string `mapstructure:"comic_name"`
	OriginName   string `mapstructure:"origin_name"`
	Author       string `mapstructure:"author"`
	AltNames     string `mapstructure:"alt_names"`
	CoverImage   string `mapstructure:"cover_image"`
	ChapterLink  string `mapstructure:"chapter_link"`
	ChapterImage string `mapstructure:"chapter_image"`
}

// Extractor implements crawl.ContentExtractor by scraping HTML documents.
type Extractor struct {
	fetch     crawl.FetchClient
	selectors Selectors
	logger    *zap.Logger
}

// New builds an Extractor for one scraped source.
func New(fetch crawl.FetchClient, selectors Selectors, logger *zap.Logger) *Extractor {
	return &Extractor{fetch: fetch, selectors: selectors, logger: logger}
}

// Structured reports that this source is scraped, not a structured API.
func (e *Extractor) Structured() bool { return false }

// DetectInfo scrapes top-level comic metadata from a detail page.
func (e *Extractor) DetectInfo(ctx context.Context, pageURL string) (crawl.SourceInfo, error) {
	doc, err := e.document(ctx, pageURL)
	if err != nil {
		return crawl.SourceInfo{}, err
	}

	info := crawl.SourceInfo{
		Name:       text(doc, e.selectors.ComicName),
		OriginName: text(doc, e.selectors.OriginName),
		Author:     text(doc, e.selectors.Author),
		CoverURL:   attr(doc, e.selectors.CoverImage, "src"),
	}
	doc.Find(e.selectors.AltNames).Each(func(_ int, sel *goquery.Selection) {
		if alt := strings.TrimSpace(sel.Text()); alt != "" {
			info.AltNames = append(info.AltNames, alt)
		}
	})
	if info.Name == "" {
		return crawl.SourceInfo{}, crawl.Structural(
			fmt.Errorf("no comic name at %s using selector %q", pageURL, e.selectors.ComicName))
	}
	return info, nil
}

// ListChildren scrapes child links (comics on a listing page, chapters on a
// detail page, depending on the selector the caller's level implies).
func (e *Extractor) ListChildren(ctx context.Context, pageURL, domain string) ([]crawl.ChildRef, error) {
	doc, err := e.document(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	selector := e.selectors.ComicLink
	if e.selectors.ChapterLink != "" && extractor.Domain(pageURL) == domain && !isListingPage(pageURL) {
		selector = e.selectors.ChapterLink
	}

	var children []crawl.ChildRef
	doc.Find(selector).Each(func(i int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		abs := absolutize(pageURL, href)
		if abs == "" {
			return
		}
		children = append(children, crawl.ChildRef{
			URL:      abs,
			Name:     strings.TrimSpace(sel.Text()),
			Position: i,
		})
	})
	if len(children) == 0 {
		return nil, crawl.Structural(
			fmt.Errorf("no children at %s using selector %q", pageURL, selector))
	}
	return children, nil
}

// ListImageURLs scrapes the ordered image URLs of one chapter page. Lazy
// loaded images keep the real URL in data-src.
func (e *Extractor) ListImageURLs(ctx context.Context, params crawl.LeafParams) ([]string, error) {
	doc, err := e.documentWithReferer(ctx, params.ChapterURL, params.Referer, params.Headers)
	if err != nil {
		return nil, err
	}

	var urls []string
	doc.Find(e.selectors.ChapterImage).Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("data-src")
		if !ok || src == "" {
			src, _ = sel.Attr("src")
		}
		src = strings.TrimSpace(src)
		if src == "" {
			return
		}
		urls = append(urls, absolutize(params.ChapterURL, src))
	})
	if len(urls) == 0 {
		return nil, crawl.Structural(
			fmt.Errorf("no images at %s using selector %q", params.ChapterURL, e.selectors.ChapterImage))
	}
	return urls, nil
}

// DetectChapterInfo derives chapter metadata; scraped sources only carry the
// page title, so the discovered image list stands in for child details.
func (e *Extractor) DetectChapterInfo(ctx context.Context, pageURL string, imageURLs []string) (crawl.SourceInfo, error) {
	doc, err := e.document(ctx, pageURL)
	if err != nil {
		return crawl.SourceInfo{}, err
	}
	name := strings.TrimSpace(doc.Find("title").First().Text())
	if name == "" {
		name = fmt.Sprintf("chapter (%d images)", len(imageURLs))
	}
	return crawl.SourceInfo{Name: name}, nil
}

func (e *Extractor) document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	return e.documentWithReferer(ctx, pageURL, extractor.Domain(pageURL), nil)
}

func (e *Extractor) documentWithReferer(
	ctx context.Context,
	pageURL, referer string,
	extra map[string]string,
) (*goquery.Document, error) {
	headers := e.fetch.BuildHeaders(referer)
	for k, v := range extra {
		headers.Set(k, v)
	}
	body, err := e.fetch.FetchText(ctx, pageURL, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, crawl.Structural(fmt.Errorf("parse document %s: %w", pageURL, err))
	}
	return doc, nil
}

func text(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

func attr(doc *goquery.Document, selector, name string) string {
	if selector == "" {
		return ""
	}
	v, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func absolutize(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(ref).String()
}

// isListingPage guesses whether the URL is a category listing rather than a
// comic detail page. Sources in scope use a path segment for listings.
func isListingPage(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.Contains(p, "/the-loai") || strings.Contains(p, "/danh-sach") || strings.Contains(p, "/category")
}
