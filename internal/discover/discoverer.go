// Package discover enumerates same-host pages reachable from a root URL
// using gocolly.
package discover

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/scan"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxDepth      int
	Parallel      int
}

// Discoverer implements scan.Discoverer using the Colly collector.
type Discoverer struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Discoverer.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 3
	}
	if cfg.Parallel == 0 {
		cfg.Parallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(true))
	c.WithTransport(newHTTPTransport())

	return &Discoverer{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
	}
}

// Discover crawls the root's host breadth-first and returns normalized URLs,
// root first, capped at maxPages. Off-host links, fragments, and non-page
// assets are skipped.
func (d *Discoverer) Discover(ctx context.Context, rootURL string, maxPages int) ([]string, error) {
	if err := scan.ValidateURL(rootURL); err != nil {
		return nil, fmt.Errorf("discover root: %w", err)
	}
	if maxPages <= 0 {
		maxPages = 100
	}
	root := scan.NormalizeURL(rootURL)

	collector := d.buildCollector(ctx)

	acc := newAccumulator(root, maxPages)
	d.configureCallbacks(collector, root, acc)

	if err := d.runCollector(ctx, collector, rootURL); err != nil {
		// A partial crawl is still useful. Only fail when we saw nothing.
		if len(acc.ordered()) == 0 {
			return nil, err
		}
		d.logger.Warn("discovery ended early", zap.String("root", root), zap.Error(err))
	}
	return acc.ordered(), nil
}

func (d *Discoverer) buildCollector(ctx context.Context) *colly.Collector {
	collector := d.baseCollector.Clone()
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	collector.MaxDepth = d.cfg.MaxDepth
	collector.IgnoreRobotsTxt = !d.cfg.RespectRobots
	collector.SetRequestTimeout(d.cfg.Timeout)
	collector.Context = ctx

	_ = collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: d.cfg.Parallel,
	})
	return collector
}

func (d *Discoverer) configureCallbacks(collector *colly.Collector, root string, acc *accumulator) {
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		if !scan.SameHost(root, link) || !looksLikePage(link) {
			return
		}
		normalized := scan.NormalizeURL(link)
		if !acc.add(normalized) {
			return
		}
		if err := e.Request.Visit(link); err != nil {
			d.logger.Debug("visit skipped", zap.String("url", normalized), zap.Error(err))
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		acc.add(scan.NormalizeURL(r.Request.URL.String()))
	})

	collector.OnError(func(r *colly.Response, err error) {
		url := ""
		if r != nil && r.Request != nil {
			url = r.Request.URL.String()
		}
		d.logger.Debug("discovery fetch failed", zap.String("url", url), zap.Error(err))
	})
}

func (d *Discoverer) runCollector(ctx context.Context, collector *colly.Collector, rootURL string) error {
	if err := collector.Visit(rootURL); err != nil {
		return fmt.Errorf("discovery visit failed: %w", err)
	}

	done := make(chan struct{})
	go func() {
		collector.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("discovery canceled: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// accumulator keeps insertion order and dedupes by normalized URL.
type accumulator struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	urls  []string
	limit int
}

func newAccumulator(root string, limit int) *accumulator {
	a := &accumulator{
		seen:  make(map[string]struct{}),
		limit: limit,
	}
	a.add(root)
	return a
}

// add records a URL if there is still room. Returns true when the URL was
// newly recorded, signaling the caller to crawl deeper from it.
func (a *accumulator) add(normalized string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[normalized]; ok {
		return false
	}
	if len(a.urls) >= a.limit {
		return false
	}
	a.seen[normalized] = struct{}{}
	a.urls = append(a.urls, normalized)
	return true
}

func (a *accumulator) ordered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.urls))
	copy(out, a.urls)
	return out
}

var skippedExtensions = map[string]struct{}{
	".pdf": {}, ".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {},
	".webp": {}, ".ico": {}, ".css": {}, ".js": {}, ".json": {}, ".xml": {},
	".zip": {}, ".gz": {}, ".tar": {}, ".mp3": {}, ".mp4": {}, ".webm": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {},
}

// looksLikePage filters out links to static assets and mail/tel schemes.
func looksLikePage(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	path := strings.ToLower(u.Path)
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		if _, ok := skippedExtensions[path[idx:]]; ok {
			return false
		}
	}
	return true
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
