package scan

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists signals a duplicate create.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrTerminal signals a write against a job already in a terminal state.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrIllegalTransition signals a status change the state machine forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// JobStore persists scan jobs and their pages. Methods are field-scoped so
// concurrently running stages never overwrite each other's columns.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// GetJob may serve from whatever read path is cheapest.
	GetJob(ctx context.Context, jobID string) (Job, error)
	// GetJobFresh must bypass caches/replicas and observe the latest commit.
	// The write-verification loop depends on this guarantee.
	GetJobFresh(ctx context.Context, jobID string) (Job, error)
	// UpdateJobStatus transitions the job, recording errMsg for failure
	// states. Returns ErrTerminal when the job is already terminal and
	// ErrIllegalTransition when the state machine forbids the move.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	SetJobStarted(ctx context.Context, jobID string, at time.Time) error
	SetJobCounters(ctx context.Context, jobID string, counters JobCounters) error
	SetWorkerTaskID(ctx context.Context, jobID, taskID string) error
	SetJobRetryCount(ctx context.Context, jobID string, count int) error
	// CompleteJob writes aggregation output and moves the job to completed.
	CompleteJob(ctx context.Context, jobID string, scores Scores, issues IssueCounts, analyzed int, at time.Time) error

	// CreatePages inserts pages, skipping any whose normalized URL already
	// exists for the job. Returns the number actually inserted.
	CreatePages(ctx context.Context, jobID string, pages []Page) (int, error)
	ListPages(ctx context.Context, jobID string) ([]Page, error)
	// MarkSelected flags the discovery tool's chosen subset; returns the
	// number of rows flagged.
	MarkSelected(ctx context.Context, jobID string, normalizedURLs []string) (int, error)
	UpdatePageScrape(ctx context.Context, page Page) error
	UpdatePageAnalysis(ctx context.Context, page Page) error
	// SetPageSelection applies a manual select/deselect override.
	SetPageSelection(ctx context.Context, jobID, pageID string, selected bool) (Page, error)

	ListJobsByOwner(ctx context.Context, owner Owner, limit int) ([]Job, error)
}

// DeviceStore persists device sessions for quota accounting.
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceHash string) (DeviceSession, error)
	CreateDevice(ctx context.Context, session DeviceSession) error
	UpdateDevice(ctx context.Context, session DeviceSession) error
}

// TaskQueue dispatches stage tasks to worker processes.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	// Cancel is advisory: the persisted job status stays authoritative
	// whether or not the signal reaches a running worker.
	Cancel(ctx context.Context, taskID string) error
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// PageLoader renders a URL in a real browser and returns the final DOM.
type PageLoader interface {
	LoadPage(ctx context.Context, url string, timeout time.Duration) (Snapshot, error)
}

// Discoverer enumerates candidate URLs reachable from a root.
type Discoverer interface {
	Discover(ctx context.Context, rootURL string, maxPages int) ([]string, error)
}

// Ranker picks the most important URLs from a candidate list. Callers must
// keep a heuristic fallback available; adapter failure never blocks the
// pipeline.
type Ranker interface {
	RankURLs(ctx context.Context, urls []string, target int) ([]string, error)
}

// Scorer grades one page's extracted signals via the external scoring
// service. Unavailability and malformed responses are both retryable.
type Scorer interface {
	ScorePage(ctx context.Context, signals PageSignals) (Assessment, error)
}

// Notifier delivers completion notices. Fire-and-forget: failures must never
// fail the pipeline.
type Notifier interface {
	Notify(ctx context.Context, owner Owner, title, message, kind string) error
}

// Hasher computes digests for content caching/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
