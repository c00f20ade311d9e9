package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/ranker"
	"github.com/webaudit/sitescan/internal/scan"
)

// runSelection asks the ranking adapter for the key pages and flags them.
// The heuristic runs whenever the adapter returns an error or nothing
// usable; selection never fails because the ranking service is down.
func (r *Runner) runSelection(ctx context.Context, job scan.Job) error {
	if err := r.setStatus(ctx, job.ID, scan.StatusSelecting); err != nil {
		return err
	}

	pages, err := r.deps.Jobs.ListPages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("no discovered pages for job %s", job.ID)
	}

	candidates := make([]string, 0, len(pages))
	for _, p := range pages {
		candidates = append(candidates, p.NormalizedURL)
	}

	selected, err := r.deps.Ranker.RankURLs(ctx, candidates, r.cfg.TargetPages)
	if err != nil || len(selected) == 0 {
		if err != nil {
			r.logger.Warn("ranking adapter failed, using heuristic",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		selected = ranker.HeuristicRank(candidates, r.cfg.TargetPages)
	}

	flagged, err := r.deps.Jobs.MarkSelected(ctx, job.ID, selected)
	if err != nil {
		return fmt.Errorf("mark selected: %w", err)
	}
	if flagged == 0 {
		return fmt.Errorf("selection flagged no pages for job %s", job.ID)
	}

	err = r.verify.wait(ctx, fmt.Sprintf("job %s selection flags", job.ID), func(ctx context.Context) (bool, error) {
		fresh, listErr := r.deps.Jobs.ListPages(ctx, job.ID)
		if listErr != nil {
			return false, nil
		}
		visible := 0
		for _, p := range fresh {
			if p.SelectedByDiscovery {
				visible++
			}
		}
		return visible >= flagged, nil
	})
	if err != nil {
		return err
	}

	counters := job.Counters
	counters.PagesSelected = flagged
	if err := r.updateCounters(ctx, job.ID, counters); err != nil {
		return err
	}

	r.logger.Info("selection finished",
		zap.String("job_id", job.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", flagged),
	)
	return r.enqueueNext(ctx, job.ID, scan.StageScraping)
}
