// Package pipeline executes scan jobs stage by stage. Workers pull stage
// tasks off the task queue, run them with retry, and enqueue the next stage
// when the current one commits. The persisted job status stays authoritative
// throughout; a terminal job silently discards any late work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/metrics"
	"github.com/webaudit/sitescan/internal/progress"
	"github.com/webaudit/sitescan/internal/scan"
)

// Deps bundles everything a Runner needs.
type Deps struct {
	Jobs       scan.JobStore
	Queue      scan.TaskQueue
	Blobs      scan.BlobStore
	Loader     scan.PageLoader
	Discoverer scan.Discoverer
	Ranker     scan.Ranker
	Scorer     scan.Scorer
	Notifier   scan.Notifier
	Hasher     scan.Hasher
	Clock      scan.Clock
	IDs        scan.IDGenerator
	Retry      scan.RetryPolicy
	Broker     *progress.Broker
	Logger     *zap.Logger
}

// Config governs stage behavior.
type Config struct {
	Workers           int
	MaxDiscoveryPages int
	TargetPages       int
	VerifyAttempts    int
	VerifyBase        time.Duration
	NavTimeout        time.Duration
	AnalysisParallel  int
	BlobPrefix        string
	BlobContentType   string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxDiscoveryPages <= 0 {
		c.MaxDiscoveryPages = 100
	}
	if c.TargetPages <= 0 {
		c.TargetPages = 7
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 5
	}
	if c.VerifyBase <= 0 {
		c.VerifyBase = 300 * time.Millisecond
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.AnalysisParallel <= 0 {
		c.AnalysisParallel = 3
	}
	if c.BlobContentType == "" {
		c.BlobContentType = "text/html; charset=utf-8"
	}
	return c
}

// nextStage is the successor of each stage; aggregation has none.
var nextStage = map[scan.Stage]scan.Stage{
	scan.StageDiscovery: scan.StageSelection,
	scan.StageSelection: scan.StageScraping,
	scan.StageScraping:  scan.StageAnalysis,
	scan.StageAnalysis:  scan.StageAggregation,
}

// Runner consumes stage tasks and drives jobs to a terminal state.
type Runner struct {
	deps   Deps
	cfg    Config
	verify *verifier
	logger *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(deps Deps, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = scan.NewExponentialRetryPolicy()
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		verify: newVerifier(cfg.VerifyAttempts, cfg.VerifyBase),
		logger: logger,
	}
}

// Run blocks, consuming tasks until the context finishes. Call once per
// worker goroutine.
func (r *Runner) Run(ctx context.Context) {
	for {
		task, err := r.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		metrics.IncActiveWorkers()
		r.process(ctx, task)
		metrics.DecActiveWorkers()
	}
}

func (r *Runner) process(ctx context.Context, task scan.Task) {
	log := r.logger.With(
		zap.String("job_id", task.JobID),
		zap.String("stage", string(task.Stage)),
		zap.String("task_id", task.ID),
	)

	job, err := r.deps.Jobs.GetJobFresh(ctx, task.JobID)
	if err != nil {
		log.Error("job read failed, dropping task", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		log.Info("job already terminal, discarding task", zap.String("status", string(job.Status)))
		return
	}

	start := time.Now()
	err = r.runWithRetry(ctx, task, log)
	metrics.ObserveStage(string(task.Stage), time.Since(start))

	if err != nil {
		r.failJob(ctx, task.JobID, task.Stage, err, log)
		return
	}
	log.Debug("stage finished", zap.Duration("elapsed", time.Since(start)))
}

func (r *Runner) runWithRetry(ctx context.Context, task scan.Task, log *zap.Logger) error {
	// Earlier deliveries of this task already spent part of the retry
	// budget; start counting where they left off.
	start := task.Attempt - 1
	if start < 0 {
		start = 0
	}
	for attempt := start; ; attempt++ {
		job, err := r.deps.Jobs.GetJobFresh(ctx, task.JobID)
		if err == nil && job.Status.Terminal() {
			log.Info("job went terminal mid-stage, discarding work",
				zap.String("status", string(job.Status)))
			return nil
		}
		if err == nil {
			err = r.runStage(ctx, task, job)
		}
		if err == nil {
			return nil
		}
		// A concurrent cancel or duplicate delivery surfaces as a state
		// machine rejection; the persisted status already won.
		if errors.Is(err, scan.ErrTerminal) || errors.Is(err, scan.ErrIllegalTransition) {
			log.Info("stage superseded by persisted state", zap.Error(err))
			return nil
		}
		if !r.deps.Retry.ShouldRetry(err, attempt) {
			return err
		}
		metrics.ObserveStageRetry(string(task.Stage))
		if countErr := r.deps.Jobs.SetJobRetryCount(ctx, task.JobID, attempt+1); countErr != nil {
			log.Warn("retry count write failed", zap.Error(countErr))
		}
		delay := r.deps.Retry.Backoff(attempt)
		log.Warn("stage attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Runner) runStage(ctx context.Context, task scan.Task, job scan.Job) error {
	switch task.Stage {
	case scan.StageDiscovery:
		return r.runDiscovery(ctx, job)
	case scan.StageSelection:
		return r.runSelection(ctx, job)
	case scan.StageScraping:
		return r.runScraping(ctx, job)
	case scan.StageAnalysis:
		return r.runAnalysis(ctx, job)
	case scan.StageAggregation:
		return r.runAggregation(ctx, job)
	default:
		return scan.Fatal(fmt.Errorf("unknown stage %q", task.Stage))
	}
}

// setStatus transitions the job, verifies the write landed, and publishes
// the resulting progress event. A retried stage finds its transition already
// applied; that counts as success, not a state machine violation.
func (r *Runner) setStatus(ctx context.Context, jobID string, status scan.JobStatus) error {
	if err := r.deps.Jobs.UpdateJobStatus(ctx, jobID, status, ""); err != nil {
		if !errors.Is(err, scan.ErrIllegalTransition) {
			return err
		}
		job, readErr := r.deps.Jobs.GetJobFresh(ctx, jobID)
		if readErr != nil || job.Status != status {
			return err
		}
	}
	err := r.verify.wait(ctx, fmt.Sprintf("job %s status %s", jobID, status), func(ctx context.Context) (bool, error) {
		job, err := r.deps.Jobs.GetJobFresh(ctx, jobID)
		if err != nil {
			return false, nil
		}
		return job.Status == status, nil
	})
	if err != nil {
		return err
	}
	r.publish(ctx, jobID)
	return nil
}

// publish pushes the job's current snapshot to stream subscribers.
// Best-effort; a read failure only costs one event.
func (r *Runner) publish(ctx context.Context, jobID string) {
	job, err := r.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		r.logger.Warn("progress snapshot read failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	r.deps.Broker.Publish(progress.Snapshot(job, r.deps.Clock.Now()))
}

// enqueueNext dispatches the job's next stage and records the task ID so a
// stop request can signal the queue.
func (r *Runner) enqueueNext(ctx context.Context, jobID string, stage scan.Stage) error {
	taskID, err := r.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("new task id: %w", err)
	}
	task := scan.Task{
		ID:        taskID,
		JobID:     jobID,
		Stage:     stage,
		Attempt:   1,
		Submitted: r.deps.Clock.Now().Unix(),
	}
	if err := r.deps.Jobs.SetWorkerTaskID(ctx, jobID, taskID); err != nil {
		return fmt.Errorf("record task id: %w", err)
	}
	if err := r.deps.Queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", stage, err)
	}
	return nil
}

func (r *Runner) failJob(ctx context.Context, jobID string, stage scan.Stage, cause error, log *zap.Logger) {
	log.Error("stage failed permanently", zap.Error(cause))
	msg := fmt.Sprintf("%s: %s", stage, cause.Error())
	if err := r.deps.Jobs.UpdateJobStatus(ctx, jobID, scan.StatusFailed, msg); err != nil {
		if errors.Is(err, scan.ErrTerminal) {
			return
		}
		log.Error("failure status write failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(scan.StatusFailed))
	r.publish(ctx, jobID)
}

// updateCounters persists counters and publishes the refreshed snapshot.
func (r *Runner) updateCounters(ctx context.Context, jobID string, counters scan.JobCounters) error {
	if err := r.deps.Jobs.SetJobCounters(ctx, jobID, counters); err != nil {
		return fmt.Errorf("set counters: %w", err)
	}
	r.publish(ctx, jobID)
	return nil
}
