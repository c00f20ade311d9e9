package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/extract"
	"github.com/webaudit/sitescan/internal/metrics"
	"github.com/webaudit/sitescan/internal/scan"
)

// runScraping renders each selected page, snapshots the DOM to blob storage,
// and persists the extracted signals. Pages already scanned (redelivered
// task, or content reused across runs) are counted as cache hits.
func (r *Runner) runScraping(ctx context.Context, job scan.Job) error {
	if err := r.setStatus(ctx, job.ID, scan.StatusScraping); err != nil {
		return err
	}

	pages, err := r.deps.Jobs.ListPages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}

	selected := make([]scan.Page, 0, len(pages))
	for _, p := range pages {
		if p.Selected() {
			selected = append(selected, p)
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("no selected pages for job %s", job.ID)
	}

	site := metrics.SanitizeSite(job.SiteURL)
	scanned, cacheHits, failed := 0, 0, 0
	for _, p := range selected {
		if p.ScannedAt != nil && p.ContentHash != "" {
			cacheHits++
			metrics.ObservePage(site, "cache_hit")
			continue
		}
		if err := r.scrapePage(ctx, job.ID, p); err != nil {
			failed++
			metrics.ObservePage(site, "error")
			r.logger.Warn("page scrape failed",
				zap.String("job_id", job.ID),
				zap.String("url", p.URL),
				zap.Error(err),
			)
			continue
		}
		scanned++
		metrics.ObservePage(site, "ok")
	}

	if scanned+cacheHits == 0 {
		return fmt.Errorf("all %d selected pages failed to scrape", failed)
	}

	counters := job.Counters
	counters.PagesScanned = scanned + cacheHits
	counters.PagesCacheHit = cacheHits
	if err := r.updateCounters(ctx, job.ID, counters); err != nil {
		return err
	}

	r.logger.Info("scraping finished",
		zap.String("job_id", job.ID),
		zap.Int("scanned", scanned),
		zap.Int("cache_hits", cacheHits),
		zap.Int("failed", failed),
	)
	return r.enqueueNext(ctx, job.ID, scan.StageAnalysis)
}

func (r *Runner) scrapePage(ctx context.Context, jobID string, page scan.Page) error {
	snapshot, err := r.deps.Loader.LoadPage(ctx, page.URL, r.cfg.NavTimeout)
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}

	hash, err := r.deps.Hasher.Hash(snapshot.HTML)
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}

	uri, err := r.deps.Blobs.PutObject(ctx, r.blobPath(jobID, page.ID), r.cfg.BlobContentType, snapshot.HTML)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	finalURL := snapshot.FinalURL
	if finalURL == "" {
		finalURL = page.URL
	}
	signals, err := extract.Signals(finalURL, string(snapshot.HTML))
	if err != nil {
		return fmt.Errorf("extract signals: %w", err)
	}
	signals.LoadTimeMs = snapshot.LoadTime.Milliseconds()

	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}

	now := r.deps.Clock.Now()
	page.Title = signals.Title
	page.ContentHash = hash
	page.HTTPStatus = snapshot.Status
	page.ContentLength = len(snapshot.HTML)
	page.LoadTimeMs = snapshot.LoadTime.Milliseconds()
	page.BlobURI = uri
	page.Signals = signalsJSON
	page.CriticalIssues = len(signals.MetadataFlags)
	page.WarningIssues = signals.Accessibility.IssueCount()
	page.ScannedAt = &now

	if err := r.deps.Jobs.UpdatePageScrape(ctx, page); err != nil {
		return fmt.Errorf("persist scrape: %w", err)
	}
	return nil
}

func (r *Runner) blobPath(jobID, pageID string) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, pageID)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, pageID)
}
