// Package extract evaluates CSS selector rules against fetched pages.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/spider"
)

// CSSExtractor implements spider.Extractor using goquery. Field selectors
// map field names to CSS selectors; an empty Attr takes the element text,
// otherwise the named attribute. The pagination rule yields at most one
// next-page URL, resolved to absolute form and filtered by the task's
// allowed domains.
type CSSExtractor struct {
	logger *zap.Logger
}

// NewCSSExtractor builds a CSSExtractor.
func NewCSSExtractor(logger *zap.Logger) *CSSExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSSExtractor{logger: logger}
}

// Extract implements spider.Extractor.
func (e *CSSExtractor) Extract(cfg spider.TaskConfig, resp spider.FetchResponse) (spider.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return spider.ExtractResult{}, fmt.Errorf("parse document: %w", err)
	}

	base, err := url.Parse(pageURL(resp))
	if err != nil {
		return spider.ExtractResult{}, fmt.Errorf("parse page url: %w", err)
	}

	result := spider.ExtractResult{Fields: make(map[string]string, len(cfg.Selectors))}
	for name, sel := range cfg.Selectors {
		value, ok := selectValue(doc, sel.Selector, sel.Attr)
		if !ok {
			e.logger.Debug("selector matched nothing",
				zap.String("field", name),
				zap.String("selector", sel.Selector),
				zap.String("url", base.String()),
			)
			continue
		}
		result.Fields[name] = value
	}

	if cfg.Pagination != nil {
		next, ok := e.nextURL(doc, cfg, base)
		if ok {
			result.NextURLs = append(result.NextURLs, next)
		}
	}
	return result, nil
}

// pageURL prefers the post-redirect URL so relative links resolve against
// the page the body actually came from.
func pageURL(resp spider.FetchResponse) string {
	if resp.FinalURL != "" {
		return resp.FinalURL
	}
	return resp.URL
}

// selectValue reads the first match for a selector. An empty attr selects
// the trimmed element text.
func selectValue(doc *goquery.Document, selector, attr string) (string, bool) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	if attr == "" {
		return strings.TrimSpace(sel.Text()), true
	}
	return sel.Attr(attr)
}

// nextURL resolves the pagination link to absolute form and applies the
// allowed-domain filter. A page without the link simply ends the chain.
func (e *CSSExtractor) nextURL(doc *goquery.Document, cfg spider.TaskConfig, base *url.URL) (string, bool) {
	attr := cfg.Pagination.Attr
	if attr == "" {
		attr = "href"
	}
	raw, ok := selectValue(doc, cfg.Pagination.Selector, attr)
	if !ok || raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		e.logger.Debug("unparseable next link",
			zap.String("href", raw),
			zap.String("url", base.String()),
		)
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if !domainAllowed(abs.Hostname(), cfg.AllowedDomains) {
		e.logger.Debug("next link outside allowed domains",
			zap.String("host", abs.Hostname()),
			zap.String("url", base.String()),
		)
		return "", false
	}
	return abs.String(), true
}

// domainAllowed accepts the host itself and its subdomains. An empty
// allow-list restricts the crawl to the page's own scope decisions upstream,
// so it permits everything here.
func domainAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range allowed {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
