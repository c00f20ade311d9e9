// Package scan defines core types shared across subsystems.
package scan

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of a scan job.
type JobStatus string

// Job status values persisted in the job store.
const (
	StatusQueued      JobStatus = "queued"
	StatusDiscovering JobStatus = "discovering"
	StatusSelecting   JobStatus = "selecting"
	StatusScraping    JobStatus = "scraping"
	StatusAnalyzing   JobStatus = "analyzing"
	StatusAggregating JobStatus = "aggregating"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// forward is the happy-path successor for each non-terminal status.
var forward = map[JobStatus]JobStatus{
	StatusQueued:      StatusDiscovering,
	StatusDiscovering: StatusSelecting,
	StatusSelecting:   StatusScraping,
	StatusScraping:    StatusAnalyzing,
	StatusAnalyzing:   StatusAggregating,
	StatusAggregating: StatusCompleted,
}

// CanTransition reports whether from -> to is a legal status transition.
// Failed and cancelled are reachable from any non-terminal state; terminal
// states admit nothing.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	return forward[from] == to
}

// JobCounters tracks per-phase page counts for a job.
type JobCounters struct {
	PagesDiscovered int `json:"pages_discovered"`
	PagesSelected   int `json:"pages_selected"`
	PagesScanned    int `json:"pages_scanned"`
	PagesAnalyzed   int `json:"pages_llm_analyzed"`
	PagesCacheHit   int `json:"pages_cache_hit"`
}

// Scores are the aggregated 0-100 dimension scores. Nil until aggregation.
type Scores struct {
	Overall       *int `json:"score_overall,omitempty"`
	SEO           *int `json:"score_seo,omitempty"`
	Accessibility *int `json:"score_accessibility,omitempty"`
	Performance   *int `json:"score_performance,omitempty"`
}

// IssueCounts is the denormalized issue tally by severity.
type IssueCounts struct {
	Total    int `json:"total_issues"`
	Critical int `json:"critical_issues"`
	Warning  int `json:"warning_issues"`
}

// Job represents the metadata persisted for each submitted scan.
type Job struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id,omitempty"`
	DeviceID     string      `json:"device_id,omitempty"`
	SiteURL      string      `json:"site_url"`
	Status       JobStatus   `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	Counters     JobCounters `json:"counters"`
	Scores       Scores      `json:"scores"`
	Issues       IssueCounts `json:"issues"`
	WorkerTaskID string      `json:"worker_task_id,omitempty"`
	QueuedAt     time.Time   `json:"queued_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// ErrOwnerExclusivity is returned when a job does not have exactly one owner.
var ErrOwnerExclusivity = errors.New("exactly one of user_id or device_id must be set")

// ValidateOwner enforces the user/device exclusivity invariant.
func (j Job) ValidateOwner() error {
	if (j.UserID == "") == (j.DeviceID == "") {
		return ErrOwnerExclusivity
	}
	return nil
}

// Owner identifies the party a completion notification should reach.
type Owner struct {
	UserID   string
	DeviceID string
}

// Owner returns the owning identity of the job.
func (j Job) Owner() Owner {
	return Owner{UserID: j.UserID, DeviceID: j.DeviceID}
}

// Page is persisted for each discovered URL within a job.
type Page struct {
	ID            string `json:"id"`
	JobID         string `json:"job_id"`
	URL           string `json:"page_url"`
	NormalizedURL string `json:"page_url_normalized"`
	Title         string `json:"page_title,omitempty"`

	ContentHash   string `json:"content_hash,omitempty"`
	HTTPStatus    int    `json:"http_status,omitempty"`
	ContentLength int    `json:"content_length_bytes,omitempty"`
	LoadTimeMs    int64  `json:"load_time_ms,omitempty"`
	BlobURI       string `json:"blob_uri,omitempty"`
	// Signals is the extracted PageSignals JSON, written during scraping
	// and consumed by the analysis stage.
	Signals json.RawMessage `json:"signals,omitempty"`

	Scores          Scores          `json:"scores"`
	AnalysisDetails json.RawMessage `json:"analysis_details,omitempty"`
	CriticalIssues  int             `json:"critical_issues"`
	WarningIssues   int             `json:"warning_issues"`

	SelectedByDiscovery bool `json:"selected_by_discovery_tool"`
	ManuallySelected    bool `json:"manually_selected"`
	ManuallyDeselected  bool `json:"manually_deselected"`

	ScannedAt *time.Time `json:"scanned_at,omitempty"`
}

// Selected resolves the effective selection state. Manual selection always
// wins, manual deselection blocks automatic selection, otherwise the
// discovery tool's choice stands. Computed, never stored.
func (p Page) Selected() bool {
	if p.ManuallySelected {
		return true
	}
	if p.ManuallyDeselected {
		return false
	}
	return p.SelectedByDiscovery
}

// DeviceSession holds quota state for an anonymous or linked caller. The
// device hash is a SHA-256 of the raw fingerprint; the raw value is never
// persisted.
type DeviceSession struct {
	DeviceHash     string     `json:"device_hash"`
	UserID         string     `json:"user_id,omitempty"`
	DailyScanCount int        `json:"daily_scan_count"`
	QuotaRemaining int        `json:"quota_remaining"`
	LastScanDate   *time.Time `json:"last_scan_date,omitempty"`
	TotalScans     int        `json:"total_scans"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
}

// Stage denotes one dispatchable phase of the scan pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageDiscovery   Stage = "discovery"
	StageSelection   Stage = "selection"
	StageScraping    Stage = "scraping"
	StageAnalysis    Stage = "analysis"
	StageAggregation Stage = "aggregation"
)

// Task wraps one stage execution ready to dispatch onto the task queue.
// Attempt is the 1-based delivery count; redeliveries carry a higher value
// so the retry budget spans them instead of resetting.
type Task struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	Stage     Stage  `json:"stage"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}

// Snapshot is the rendered page returned by a PageLoader.
type Snapshot struct {
	HTML     []byte
	FinalURL string
	Status   int
	LoadTime time.Duration
}

// PageSignals is the structured data extracted from a rendered page; it is
// the scoring adapter's input.
type PageSignals struct {
	URL           string              `json:"url"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	CanonicalURL  string              `json:"canonical_url,omitempty"`
	Viewport      string              `json:"viewport,omitempty"`
	OpenGraph     map[string]string   `json:"open_graph,omitempty"`
	Headings      map[string][]string `json:"headings"`
	Images        []ImageSignal       `json:"images"`
	Accessibility AccessibilitySignal `json:"accessibility"`
	MetadataFlags []string            `json:"metadata_issues"`
	TextLength    int                 `json:"text_length"`
	LoadTimeMs    int64               `json:"load_time_ms"`
}

// ImageSignal records one image and its alternative text.
type ImageSignal struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// AccessibilitySignal lists accessibility defects found in the DOM.
type AccessibilitySignal struct {
	ImagesMissingAlt    []string `json:"images_missing_alt"`
	InputsMissingLabel  []string `json:"inputs_missing_label"`
	ButtonsMissingLabel []string `json:"buttons_missing_label"`
	LinksMissingLabel   []string `json:"links_missing_label"`
	EmptyHeadings       []string `json:"empty_headings"`
}

// IssueCount sums all accessibility defects.
func (a AccessibilitySignal) IssueCount() int {
	return len(a.ImagesMissingAlt) +
		len(a.InputsMissingLabel) +
		len(a.ButtonsMissingLabel) +
		len(a.LinksMissingLabel) +
		len(a.EmptyHeadings)
}

// Finding is one issue reported by the scoring adapter.
type Finding struct {
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Assessment is the scoring adapter's verdict for one page.
type Assessment struct {
	Overall       int             `json:"overall_score"`
	SEO           int             `json:"score_seo"`
	Accessibility int             `json:"score_accessibility"`
	Performance   int             `json:"score_performance"`
	Findings      []Finding       `json:"findings"`
	Details       json.RawMessage `json:"details,omitempty"`
}
