package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/scan"
)

// runDiscovery crawls the site, persists the candidate pages, and hands the
// job to selection. CreatePages skips duplicates, so a redelivered task is
// harmless.
func (r *Runner) runDiscovery(ctx context.Context, job scan.Job) error {
	if err := r.setStatus(ctx, job.ID, scan.StatusDiscovering); err != nil {
		return err
	}
	if err := r.deps.Jobs.SetJobStarted(ctx, job.ID, r.deps.Clock.Now()); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}

	urls, err := r.deps.Discoverer.Discover(ctx, job.SiteURL, r.cfg.MaxDiscoveryPages)
	if err != nil {
		return fmt.Errorf("discover %s: %w", job.SiteURL, err)
	}
	if len(urls) == 0 {
		return fmt.Errorf("discovery found no pages for %s", job.SiteURL)
	}

	pages := make([]scan.Page, 0, len(urls))
	for _, u := range urls {
		pageID, idErr := r.deps.IDs.NewID()
		if idErr != nil {
			return fmt.Errorf("new page id: %w", idErr)
		}
		pages = append(pages, scan.Page{
			ID:            pageID,
			JobID:         job.ID,
			URL:           u,
			NormalizedURL: scan.NormalizeURL(u),
		})
	}

	// The job row must be visible on the fresh path before pages reference it.
	err = r.verify.wait(ctx, fmt.Sprintf("job %s row", job.ID), func(ctx context.Context) (bool, error) {
		_, readErr := r.deps.Jobs.GetJobFresh(ctx, job.ID)
		return readErr == nil, nil
	})
	if err != nil {
		return err
	}

	inserted, err := r.deps.Jobs.CreatePages(ctx, job.ID, pages)
	if err != nil {
		return fmt.Errorf("create pages: %w", err)
	}

	stored, err := r.deps.Jobs.ListPages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	counters := job.Counters
	counters.PagesDiscovered = len(stored)
	if err := r.updateCounters(ctx, job.ID, counters); err != nil {
		return err
	}

	r.logger.Info("discovery finished",
		zap.String("job_id", job.ID),
		zap.Int("found", len(urls)),
		zap.Int("inserted", inserted),
	)
	return r.enqueueNext(ctx, job.ID, scan.StageSelection)
}
