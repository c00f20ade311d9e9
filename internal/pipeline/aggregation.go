package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/metrics"
	"github.com/webaudit/sitescan/internal/scan"
)

// runAggregation averages the per-page scores into job-level results and
// completes the job. Every analyzed-page write must be visible on the fresh
// read path before the averages are taken.
func (r *Runner) runAggregation(ctx context.Context, job scan.Job) error {
	if err := r.setStatus(ctx, job.ID, scan.StatusAggregating); err != nil {
		return err
	}

	fresh, err := r.deps.Jobs.GetJobFresh(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	want := fresh.Counters.PagesAnalyzed
	if want == 0 {
		return fmt.Errorf("no analyzed pages recorded for job %s", job.ID)
	}

	var analyzed []scan.Page
	err = r.verify.wait(ctx, fmt.Sprintf("job %s analysis writes", job.ID), func(ctx context.Context) (bool, error) {
		pages, listErr := r.deps.Jobs.ListPages(ctx, job.ID)
		if listErr != nil {
			return false, nil
		}
		analyzed = analyzed[:0]
		for _, p := range pages {
			if p.Selected() && p.Scores.Overall != nil {
				analyzed = append(analyzed, p)
			}
		}
		return len(analyzed) >= want, nil
	})
	if err != nil {
		return err
	}

	scores, issues := aggregate(analyzed)
	now := r.deps.Clock.Now()
	if err := r.deps.Jobs.CompleteJob(ctx, job.ID, scores, issues, len(analyzed), now); err != nil {
		return err
	}

	err = r.verify.wait(ctx, fmt.Sprintf("job %s completion", job.ID), func(ctx context.Context) (bool, error) {
		j, readErr := r.deps.Jobs.GetJobFresh(ctx, job.ID)
		if readErr != nil {
			return false, nil
		}
		return j.Status == scan.StatusCompleted, nil
	})
	if err != nil {
		return err
	}

	metrics.ObserveJob(string(scan.StatusCompleted))
	r.publish(ctx, job.ID)
	r.notifyCompletion(ctx, job, scores, len(analyzed))

	r.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("pages_analyzed", len(analyzed)),
		zap.Intp("score_overall", scores.Overall),
	)
	return nil
}

// aggregate averages page scores with integer division and sums issue
// tallies by severity.
func aggregate(pages []scan.Page) (scan.Scores, scan.IssueCounts) {
	var (
		scores scan.Scores
		issues scan.IssueCounts

		overall, seo, access, perf     int
		nOverall, nSEO, nAccess, nPerf int
	)
	for _, p := range pages {
		sumInto(p.Scores.Overall, &overall, &nOverall)
		sumInto(p.Scores.SEO, &seo, &nSEO)
		sumInto(p.Scores.Accessibility, &access, &nAccess)
		sumInto(p.Scores.Performance, &perf, &nPerf)
		issues.Critical += p.CriticalIssues
		issues.Warning += p.WarningIssues
	}
	issues.Total = issues.Critical + issues.Warning

	scores.Overall = avg(overall, nOverall)
	scores.SEO = avg(seo, nSEO)
	scores.Accessibility = avg(access, nAccess)
	scores.Performance = avg(perf, nPerf)
	return scores, issues
}

func sumInto(v *int, sum, n *int) {
	if v == nil {
		return
	}
	*sum += *v
	*n++
}

func avg(sum, n int) *int {
	if n == 0 {
		return nil
	}
	v := sum / n
	return &v
}

func (r *Runner) notifyCompletion(ctx context.Context, job scan.Job, scores scan.Scores, analyzed int) {
	message := fmt.Sprintf("Scan of %s finished: %d pages analyzed", job.SiteURL, analyzed)
	if scores.Overall != nil {
		message = fmt.Sprintf("%s, overall score %d/100", message, *scores.Overall)
	}
	if err := r.deps.Notifier.Notify(ctx, job.Owner(), "Scan complete", message, "scan_complete"); err != nil {
		r.logger.Warn("completion notification failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}
