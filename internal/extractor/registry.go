// Package extractor selects the content extractor for a source domain.
package extractor

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
)

// Registry maps source domains to their protocol implementation. Lookup is
// keyed off the target URL's host, with a www. prefix stripped.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]crawl.ContentExtractor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]crawl.ContentExtractor)}
}

// Register binds a domain to an extractor.
func (r *Registry) Register(domain string, ex crawl.ContentExtractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[normalizeDomain(domain)] = ex
}

// Resolve returns the extractor for the target URL's domain. An unknown
// domain is a structural failure: no retry will make the source known.
func (r *Registry) Resolve(rawURL string) (crawl.ContentExtractor, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, crawl.Structural(fmt.Errorf("parse target url %q: %w", rawURL, err))
	}
	domain := normalizeDomain(u.Hostname())

	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.sources[domain]
	if !ok {
		return nil, crawl.Structural(fmt.Errorf("no extractor registered for domain %q", domain))
	}
	return ex, nil
}

// Domain extracts the normalized domain of a URL, for referer construction.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return normalizeDomain(u.Hostname())
}

func normalizeDomain(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
