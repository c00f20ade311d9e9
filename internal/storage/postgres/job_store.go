// Package postgres provides Postgres-backed persistence implementations.
// It assumes a table schema like:
//
//	CREATE TABLE scan_jobs (
//		id UUID PRIMARY KEY,
//		user_id TEXT,
//		device_id TEXT,
//		site_url TEXT NOT NULL,
//		status TEXT NOT NULL,
//		error_message TEXT NOT NULL DEFAULT '',
//		retry_count INT NOT NULL DEFAULT 0,
//		max_retries INT NOT NULL DEFAULT 3,
//		pages_discovered INT NOT NULL DEFAULT 0,
//		pages_selected INT NOT NULL DEFAULT 0,
//		pages_scanned INT NOT NULL DEFAULT 0,
//		pages_analyzed INT NOT NULL DEFAULT 0,
//		pages_cache_hit INT NOT NULL DEFAULT 0,
//		score_overall INT,
//		score_seo INT,
//		score_accessibility INT,
//		score_performance INT,
//		total_issues INT NOT NULL DEFAULT 0,
//		critical_issues INT NOT NULL DEFAULT 0,
//		warning_issues INT NOT NULL DEFAULT 0,
//		worker_task_id TEXT NOT NULL DEFAULT '',
//		queued_at TIMESTAMPTZ NOT NULL,
//		started_at TIMESTAMPTZ,
//		completed_at TIMESTAMPTZ
//	);
//
//	CREATE TABLE scan_pages (
//		id UUID PRIMARY KEY,
//		job_id UUID NOT NULL REFERENCES scan_jobs(id),
//		page_url TEXT NOT NULL,
//		page_url_normalized TEXT NOT NULL,
//		page_title TEXT NOT NULL DEFAULT '',
//		content_hash TEXT NOT NULL DEFAULT '',
//		http_status INT NOT NULL DEFAULT 0,
//		content_length BIGINT NOT NULL DEFAULT 0,
//		load_time_ms BIGINT NOT NULL DEFAULT 0,
//		blob_uri TEXT NOT NULL DEFAULT '',
//		signals JSONB,
//		score_overall INT,
//		score_seo INT,
//		score_accessibility INT,
//		score_performance INT,
//		analysis_details JSONB,
//		critical_issues INT NOT NULL DEFAULT 0,
//		warning_issues INT NOT NULL DEFAULT 0,
//		selected_by_discovery BOOLEAN NOT NULL DEFAULT FALSE,
//		manually_selected BOOLEAN NOT NULL DEFAULT FALSE,
//		manually_deselected BOOLEAN NOT NULL DEFAULT FALSE,
//		scanned_at TIMESTAMPTZ,
//		UNIQUE (job_id, page_url_normalized)
//	);
//
//	CREATE TABLE device_sessions (
//		device_hash TEXT PRIMARY KEY,
//		user_id TEXT,
//		daily_scan_count INT NOT NULL DEFAULT 0,
//		quota_remaining INT NOT NULL DEFAULT 0,
//		last_scan_date DATE,
//		total_scans INT NOT NULL DEFAULT 0,
//		first_seen_at TIMESTAMPTZ NOT NULL,
//		last_seen_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webaudit/sitescan/internal/scan"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// JobStore persists scan jobs and pages in Postgres. The pool connects to
// the primary, so GetJobFresh and GetJob share a read path.
type JobStore struct {
	pool dbPool
}

// NewJobStore constructs a store from an existing pool.
func NewJobStore(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `
	id, user_id, device_id, site_url, status, error_message,
	retry_count, max_retries,
	pages_discovered, pages_selected, pages_scanned, pages_analyzed, pages_cache_hit,
	score_overall, score_seo, score_accessibility, score_performance,
	total_issues, critical_issues, warning_issues,
	worker_task_id, queued_at, started_at, completed_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job scan.Job) error {
	if err := job.ValidateOwner(); err != nil {
		return err
	}
	query := `
INSERT INTO scan_jobs (
	id, user_id, device_id, site_url, status, error_message,
	retry_count, max_retries, worker_task_id, queued_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.UserID, job.DeviceID, job.SiteURL, string(job.Status),
		job.ErrorMessage, job.RetryCount, job.MaxRetries, job.WorkerTaskID, job.QueuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return scan.ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scan.Job, error) {
	query := `SELECT` + jobColumns + ` FROM scan_jobs WHERE id = $1`
	return s.scanJob(s.pool.QueryRow(ctx, query, jobID))
}

// GetJobFresh fetches a job from the primary, bypassing replica lag.
func (s *JobStore) GetJobFresh(ctx context.Context, jobID string) (scan.Job, error) {
	return s.GetJob(ctx, jobID)
}

// UpdateJobStatus transitions the job, enforcing the state machine against
// the currently committed status.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status scan.JobStatus, errMsg string) error {
	current, err := s.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return scan.ErrTerminal
	}
	if !scan.CanTransition(current, status) {
		return scan.ErrIllegalTransition
	}
	query := `
UPDATE scan_jobs
SET status = $2,
	error_message = $3,
	completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END
WHERE id = $1 AND status = $5`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errMsg, status.Terminal(), string(current))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with another writer; classify from the fresh row.
		latest, err := s.currentStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if latest.Terminal() {
			return scan.ErrTerminal
		}
		return scan.ErrIllegalTransition
	}
	return nil
}

// SetJobStarted records when the first stage picked the job up.
func (s *JobStore) SetJobStarted(ctx context.Context, jobID string, at time.Time) error {
	query := `UPDATE scan_jobs SET started_at = COALESCE(started_at, $2) WHERE id = $1`
	return s.execOnJob(ctx, query, jobID, at)
}

// SetJobCounters overwrites the per-phase page counters.
func (s *JobStore) SetJobCounters(ctx context.Context, jobID string, c scan.JobCounters) error {
	query := `
UPDATE scan_jobs
SET pages_discovered = $2,
	pages_selected = $3,
	pages_scanned = $4,
	pages_analyzed = $5,
	pages_cache_hit = $6
WHERE id = $1`
	return s.execOnJob(ctx, query, jobID,
		c.PagesDiscovered, c.PagesSelected, c.PagesScanned, c.PagesAnalyzed, c.PagesCacheHit)
}

// SetWorkerTaskID records the dispatch handle used for advisory cancellation.
func (s *JobStore) SetWorkerTaskID(ctx context.Context, jobID, taskID string) error {
	query := `UPDATE scan_jobs SET worker_task_id = $2 WHERE id = $1`
	return s.execOnJob(ctx, query, jobID, taskID)
}

// SetJobRetryCount records how many stage attempts have failed so far.
func (s *JobStore) SetJobRetryCount(ctx context.Context, jobID string, count int) error {
	query := `UPDATE scan_jobs SET retry_count = $2 WHERE id = $1`
	return s.execOnJob(ctx, query, jobID, count)
}

// CompleteJob writes aggregation output and moves the job to completed.
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, scores scan.Scores, issues scan.IssueCounts, analyzed int, at time.Time) error {
	current, err := s.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return scan.ErrTerminal
	}
	if !scan.CanTransition(current, scan.StatusCompleted) {
		return scan.ErrIllegalTransition
	}
	query := `
UPDATE scan_jobs
SET status = $2,
	score_overall = $3,
	score_seo = $4,
	score_accessibility = $5,
	score_performance = $6,
	total_issues = $7,
	critical_issues = $8,
	warning_issues = $9,
	pages_analyzed = $10,
	completed_at = $11
WHERE id = $1 AND status = $12`
	tag, err := s.pool.Exec(ctx, query, jobID, string(scan.StatusCompleted),
		scores.Overall, scores.SEO, scores.Accessibility, scores.Performance,
		issues.Total, issues.Critical, issues.Warning, analyzed, at, string(current))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrTerminal
	}
	return nil
}

// CreatePages inserts pages, skipping normalized URLs already present for
// the job. Returns the number actually inserted.
func (s *JobStore) CreatePages(ctx context.Context, jobID string, pages []scan.Page) (int, error) {
	query := `
INSERT INTO scan_pages (
	id, job_id, page_url, page_url_normalized, selected_by_discovery
) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (job_id, page_url_normalized) DO NOTHING`
	inserted := 0
	for _, p := range pages {
		tag, err := s.pool.Exec(ctx, query,
			p.ID, jobID, p.URL, p.NormalizedURL, p.SelectedByDiscovery)
		if err != nil {
			return inserted, fmt.Errorf("insert page: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

const pageColumns = `
	id, job_id, page_url, page_url_normalized, page_title,
	content_hash, http_status, content_length, load_time_ms, blob_uri, signals,
	score_overall, score_seo, score_accessibility, score_performance,
	analysis_details, critical_issues, warning_issues,
	selected_by_discovery, manually_selected, manually_deselected, scanned_at`

// ListPages returns all pages for a job in insertion order.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]scan.Page, error) {
	query := `SELECT` + pageColumns + ` FROM scan_pages WHERE job_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var out []scan.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return out, nil
}

// MarkSelected flags the discovery tool's chosen subset.
func (s *JobStore) MarkSelected(ctx context.Context, jobID string, normalizedURLs []string) (int, error) {
	query := `
UPDATE scan_pages
SET selected_by_discovery = TRUE
WHERE job_id = $1 AND page_url_normalized = ANY($2)`
	tag, err := s.pool.Exec(ctx, query, jobID, normalizedURLs)
	if err != nil {
		return 0, fmt.Errorf("mark selected: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdatePageScrape persists the scrape-phase fields of a page.
func (s *JobStore) UpdatePageScrape(ctx context.Context, page scan.Page) error {
	query := `
UPDATE scan_pages
SET page_title = $3,
	content_hash = $4,
	http_status = $5,
	content_length = $6,
	load_time_ms = $7,
	blob_uri = $8,
	signals = $9,
	critical_issues = $10,
	warning_issues = $11,
	scanned_at = $12
WHERE job_id = $1 AND id = $2`
	return s.execOnPage(ctx, query, page.JobID, page.ID,
		page.Title, page.ContentHash, page.HTTPStatus, page.ContentLength,
		page.LoadTimeMs, page.BlobURI, []byte(page.Signals),
		page.CriticalIssues, page.WarningIssues, page.ScannedAt)
}

// UpdatePageAnalysis persists the analysis-phase fields of a page.
func (s *JobStore) UpdatePageAnalysis(ctx context.Context, page scan.Page) error {
	query := `
UPDATE scan_pages
SET score_overall = $3,
	score_seo = $4,
	score_accessibility = $5,
	score_performance = $6,
	analysis_details = $7,
	critical_issues = $8,
	warning_issues = $9
WHERE job_id = $1 AND id = $2`
	return s.execOnPage(ctx, query, page.JobID, page.ID,
		page.Scores.Overall, page.Scores.SEO, page.Scores.Accessibility, page.Scores.Performance,
		[]byte(page.AnalysisDetails), page.CriticalIssues, page.WarningIssues)
}

// SetPageSelection applies a manual select/deselect override.
func (s *JobStore) SetPageSelection(ctx context.Context, jobID, pageID string, selected bool) (scan.Page, error) {
	query := `
UPDATE scan_pages
SET manually_selected = $3,
	manually_deselected = $4
WHERE job_id = $1 AND id = $2
RETURNING` + pageColumns
	row := s.pool.QueryRow(ctx, query, jobID, pageID, selected, !selected)
	p, err := scanPage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Page{}, scan.ErrNotFound
	}
	return p, err
}

// ListJobsByOwner returns the owner's jobs newest first.
func (s *JobStore) ListJobsByOwner(ctx context.Context, owner scan.Owner, limit int) ([]scan.Job, error) {
	query := `SELECT` + jobColumns + `
FROM scan_jobs
WHERE user_id = $1 AND device_id = $2
ORDER BY queued_at DESC
LIMIT $3`
	rows, err := s.pool.Query(ctx, query, owner.UserID, owner.DeviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []scan.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *JobStore) currentStatus(ctx context.Context, jobID string) (scan.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scan_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", scan.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return scan.JobStatus(status), nil
}

func (s *JobStore) execOnJob(ctx context.Context, query, jobID string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{jobID}, args...)...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

func (s *JobStore) execOnPage(ctx context.Context, query, jobID, pageID string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{jobID, pageID}, args...)...)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrNotFound
	}
	return nil
}

func (s *JobStore) scanJob(row pgx.Row) (scan.Job, error) {
	var (
		job    scan.Job
		status string
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.DeviceID, &job.SiteURL, &status, &job.ErrorMessage,
		&job.RetryCount, &job.MaxRetries,
		&job.Counters.PagesDiscovered, &job.Counters.PagesSelected,
		&job.Counters.PagesScanned, &job.Counters.PagesAnalyzed, &job.Counters.PagesCacheHit,
		&job.Scores.Overall, &job.Scores.SEO, &job.Scores.Accessibility, &job.Scores.Performance,
		&job.Issues.Total, &job.Issues.Critical, &job.Issues.Warning,
		&job.WorkerTaskID, &job.QueuedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Job{}, scan.ErrNotFound
	}
	if err != nil {
		return scan.Job{}, fmt.Errorf("scan job row: %w", err)
	}
	job.Status = scan.JobStatus(status)
	return job, nil
}

func scanPage(row pgx.Row) (scan.Page, error) {
	var (
		p       scan.Page
		signals []byte
		details []byte
	)
	err := row.Scan(
		&p.ID, &p.JobID, &p.URL, &p.NormalizedURL, &p.Title,
		&p.ContentHash, &p.HTTPStatus, &p.ContentLength, &p.LoadTimeMs, &p.BlobURI, &signals,
		&p.Scores.Overall, &p.Scores.SEO, &p.Scores.Accessibility, &p.Scores.Performance,
		&details, &p.CriticalIssues, &p.WarningIssues,
		&p.SelectedByDiscovery, &p.ManuallySelected, &p.ManuallyDeselected, &p.ScannedAt,
	)
	if err != nil {
		return scan.Page{}, err
	}
	p.Signals = signals
	p.AnalysisDetails = details
	return p, nil
}
