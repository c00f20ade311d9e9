package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/webaudit/sitescan/internal/scan"
)

// runAnalysis scores each scraped page through the scoring adapter with
// bounded parallelism. Pages that already carry scores (redelivered task)
// are counted, not re-scored.
func (r *Runner) runAnalysis(ctx context.Context, job scan.Job) error {
	if err := r.setStatus(ctx, job.ID, scan.StatusAnalyzing); err != nil {
		return err
	}

	pages, err := r.deps.Jobs.ListPages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}

	var pending []scan.Page
	analyzed := 0
	for _, p := range pages {
		if !p.Selected() || p.ScannedAt == nil || len(p.Signals) == 0 {
			continue
		}
		if p.Scores.Overall != nil {
			analyzed++
			continue
		}
		pending = append(pending, p)
	}
	if analyzed+len(pending) == 0 {
		return fmt.Errorf("no scraped pages to analyze for job %s", job.ID)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.AnalysisParallel)
	for _, p := range pending {
		page := p
		g.Go(func() error {
			if err := r.analyzePage(gctx, page); err != nil {
				return fmt.Errorf("analyze %s: %w", page.URL, err)
			}
			mu.Lock()
			analyzed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	counters := job.Counters
	counters.PagesAnalyzed = analyzed
	if err := r.updateCounters(ctx, job.ID, counters); err != nil {
		return err
	}
	return r.enqueueNext(ctx, job.ID, scan.StageAggregation)
}

func (r *Runner) analyzePage(ctx context.Context, page scan.Page) error {
	var signals scan.PageSignals
	if err := json.Unmarshal(page.Signals, &signals); err != nil {
		return scan.Fatal(fmt.Errorf("decode stored signals: %w", err))
	}

	assessment, err := r.deps.Scorer.ScorePage(ctx, signals)
	if err != nil {
		return err
	}

	details, err := json.Marshal(assessment)
	if err != nil {
		return scan.Fatal(fmt.Errorf("marshal assessment: %w", err))
	}

	critical, warning := page.CriticalIssues, page.WarningIssues
	for _, f := range assessment.Findings {
		switch f.Severity {
		case "critical":
			critical++
		case "warning":
			warning++
		}
	}

	page.Scores = scan.Scores{
		Overall:       intPtr(assessment.Overall),
		SEO:           intPtr(assessment.SEO),
		Accessibility: intPtr(assessment.Accessibility),
		Performance:   intPtr(assessment.Performance),
	}
	page.AnalysisDetails = details
	page.CriticalIssues = critical
	page.WarningIssues = warning

	if err := r.deps.Jobs.UpdatePageAnalysis(ctx, page); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}
