package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/webaudit/sitescan/internal/scan"
)

// JobStore provides an in-memory implementation for development/testing.
//
// GetJobFresh serves through an optional read-lag hook so tests can simulate
// a stale replica; GetJob always reads the committed map directly.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]scan.Job
	pages map[string][]scan.Page

	// FreshReadHook, when set, intercepts every GetJobFresh read. It
	// receives the committed row and may substitute an older one, letting
	// tests simulate replication lag. Returning false serves the committed
	// row unchanged.
	FreshReadHook func(jobID string, job scan.Job) (scan.Job, bool)
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]scan.Job),
		pages: make(map[string][]scan.Page),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scan.Job) error {
	if err := job.ValidateOwner(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return scan.ErrAlreadyExists
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scan.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.Job{}, scan.ErrNotFound
	}
	return job, nil
}

// GetJobFresh fetches a job bypassing any read caching.
func (s *JobStore) GetJobFresh(ctx context.Context, jobID string) (scan.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return scan.Job{}, err
	}
	if s.FreshReadHook != nil {
		if stale, ok := s.FreshReadHook(jobID, job); ok {
			return stale, nil
		}
	}
	return job, nil
}

// UpdateJobStatus transitions the job through the state machine.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status scan.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrNotFound
	}
	if job.Status.Terminal() {
		return scan.ErrTerminal
	}
	if !scan.CanTransition(job.Status, status) {
		return scan.ErrIllegalTransition
	}
	job.Status = status
	job.ErrorMessage = errMsg
	if status.Terminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	s.jobs[jobID] = job
	return nil
}

// SetJobStarted records the moment the first stage picked the job up.
func (s *JobStore) SetJobStarted(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrNotFound
	}
	if job.StartedAt == nil {
		t := at
		job.StartedAt = &t
		s.jobs[jobID] = job
	}
	return nil
}

// SetJobCounters overwrites the per-phase page counters.
func (s *JobStore) SetJobCounters(_ context.Context, jobID string, counters scan.JobCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrNotFound
	}
	job.Counters = counters
	s.jobs[jobID] = job
	return nil
}

// SetWorkerTaskID records the dispatch handle used for advisory cancellation.
func (s *JobStore) SetWorkerTaskID(_ context.Context, jobID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrNotFound
	}
	job.WorkerTaskID = taskID
	s.jobs[jobID] = job
	return nil
}

// SetJobRetryCount records how many stage attempts have failed so far.
func (s *JobStore) SetJobRetryCount(_ context.Context, jobID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrNotFound
	}
	job.RetryCount = count
	s.jobs[jobID] = job
	return nil
}

// CompleteJob writes aggregation output and moves the job to completed.
func (s *JobStore) CompleteJob(_ context.Context, jobID string, scores scan.Scores, issues scan.IssueCounts, analyzed int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrNotFound
	}
	if job.Status.Terminal() {
		return scan.ErrTerminal
	}
	if !scan.CanTransition(job.Status, scan.StatusCompleted) {
		return scan.ErrIllegalTransition
	}
	job.Status = scan.StatusCompleted
	job.Scores = scores
	job.Issues = issues
	job.Counters.PagesAnalyzed = analyzed
	t := at
	job.CompletedAt = &t
	s.jobs[jobID] = job
	return nil
}

// CreatePages inserts pages, skipping normalized URLs already present.
func (s *JobStore) CreatePages(_ context.Context, jobID string, pages []scan.Page) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return 0, scan.ErrNotFound
	}
	existing := make(map[string]struct{}, len(s.pages[jobID]))
	for _, p := range s.pages[jobID] {
		existing[p.NormalizedURL] = struct{}{}
	}
	inserted := 0
	for _, p := range pages {
		if _, dup := existing[p.NormalizedURL]; dup {
			continue
		}
		existing[p.NormalizedURL] = struct{}{}
		p.JobID = jobID
		s.pages[jobID] = append(s.pages[jobID], p)
		inserted++
	}
	return inserted, nil
}

// ListPages returns all pages for a job.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]scan.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	out := make([]scan.Page, len(pages))
	copy(out, pages)
	return out, nil
}

// MarkSelected flags the discovery tool's chosen subset.
func (s *JobStore) MarkSelected(_ context.Context, jobID string, normalizedURLs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(normalizedURLs))
	for _, u := range normalizedURLs {
		want[u] = struct{}{}
	}
	flagged := 0
	pages := s.pages[jobID]
	for i := range pages {
		if _, ok := want[pages[i].NormalizedURL]; ok {
			pages[i].SelectedByDiscovery = true
			flagged++
		}
	}
	return flagged, nil
}

// UpdatePageScrape persists the scrape-phase fields of a page.
func (s *JobStore) UpdatePageScrape(_ context.Context, page scan.Page) error {
	return s.updatePage(page.JobID, page.ID, func(p *scan.Page) {
		p.Title = page.Title
		p.ContentHash = page.ContentHash
		p.HTTPStatus = page.HTTPStatus
		p.ContentLength = page.ContentLength
		p.LoadTimeMs = page.LoadTimeMs
		p.BlobURI = page.BlobURI
		p.Signals = page.Signals
		p.CriticalIssues = page.CriticalIssues
		p.WarningIssues = page.WarningIssues
		p.ScannedAt = page.ScannedAt
	})
}

// UpdatePageAnalysis persists the analysis-phase fields of a page.
func (s *JobStore) UpdatePageAnalysis(_ context.Context, page scan.Page) error {
	return s.updatePage(page.JobID, page.ID, func(p *scan.Page) {
		p.Scores = page.Scores
		p.AnalysisDetails = page.AnalysisDetails
		p.CriticalIssues = page.CriticalIssues
		p.WarningIssues = page.WarningIssues
	})
}

// SetPageSelection applies a manual select/deselect override.
func (s *JobStore) SetPageSelection(_ context.Context, jobID, pageID string, selected bool) (scan.Page, error) {
	var out scan.Page
	err := s.updatePage(jobID, pageID, func(p *scan.Page) {
		if selected {
			p.ManuallySelected = true
			p.ManuallyDeselected = false
		} else {
			p.ManuallySelected = false
			p.ManuallyDeselected = true
		}
		out = *p
	})
	return out, err
}

// ListJobsByOwner returns the owner's jobs newest first.
func (s *JobStore) ListJobsByOwner(_ context.Context, owner scan.Owner, limit int) ([]scan.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scan.Job
	for _, job := range s.jobs {
		if job.Owner() == owner {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.After(out[j].QueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) updatePage(jobID, pageID string, apply func(*scan.Page)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := s.pages[jobID]
	for i := range pages {
		if pages[i].ID == pageID {
			apply(&pages[i])
			return nil
		}
	}
	return scan.ErrNotFound
}
