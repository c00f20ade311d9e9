// Package progress defines the per-job event stream that scan workers publish
// and the stream endpoint consumes. Events fan out through a non-blocking
// Broker so a slow subscriber can never stall a pipeline stage.
package progress

import (
	"time"

	"github.com/webaudit/sitescan/internal/scan"
)

// EventType distinguishes stream payloads.
type EventType string

// Supported event types.
const (
	TypeProgress  EventType = "progress"
	TypeComplete  EventType = "complete"
	TypeHeartbeat EventType = "heartbeat"
	TypeTimeout   EventType = "timeout"
	TypeError     EventType = "error"
)

// Event is a single progress update for one job.
type Event struct {
	Type     EventType        `json:"type"`
	JobID    string           `json:"job_id"`
	Status   scan.JobStatus   `json:"status"`
	Percent  int              `json:"percent"`
	Message  string           `json:"message"`
	Counters scan.JobCounters `json:"counters"`
	Error    string           `json:"error,omitempty"`
	TS       time.Time        `json:"ts"`
}

var statusPercent = map[scan.JobStatus]int{
	scan.StatusQueued:      0,
	scan.StatusDiscovering: 10,
	scan.StatusSelecting:   30,
	scan.StatusScraping:    40,
	scan.StatusAnalyzing:   60,
	scan.StatusAggregating: 90,
	scan.StatusCompleted:   100,
	scan.StatusFailed:      0,
	scan.StatusCancelled:   0,
}

var statusMessage = map[scan.JobStatus]string{
	scan.StatusQueued:      "Scan queued",
	scan.StatusDiscovering: "Discovering pages",
	scan.StatusSelecting:   "Selecting key pages",
	scan.StatusScraping:    "Scanning page content",
	scan.StatusAnalyzing:   "Analyzing pages",
	scan.StatusAggregating: "Compiling results",
	scan.StatusCompleted:   "Scan complete",
	scan.StatusFailed:      "Scan failed",
	scan.StatusCancelled:   "Scan cancelled",
}

// Percent maps a status to its coarse completion percentage.
func Percent(s scan.JobStatus) int {
	return statusPercent[s]
}

// Message returns the human-readable summary for a status.
func Message(s scan.JobStatus) string {
	return statusMessage[s]
}

// Snapshot builds the event describing a job's current state, used both as
// the first payload on a new stream and whenever a stage persists a status.
func Snapshot(job scan.Job, now time.Time) Event {
	typ := TypeProgress
	switch job.Status {
	case scan.StatusCompleted:
		typ = TypeComplete
	case scan.StatusFailed, scan.StatusCancelled:
		typ = TypeError
	}
	return Event{
		Type:     typ,
		JobID:    job.ID,
		Status:   job.Status,
		Percent:  Percent(job.Status),
		Message:  Message(job.Status),
		Counters: job.Counters,
		Error:    job.ErrorMessage,
		TS:       now.UTC(),
	}
}

// Heartbeat builds a keepalive event for an open stream.
func Heartbeat(jobID string, now time.Time) Event {
	return Event{Type: TypeHeartbeat, JobID: jobID, TS: now.UTC()}
}

// Timeout builds the final event for a stream that hit its age ceiling.
func Timeout(jobID string, now time.Time) Event {
	return Event{
		Type:    TypeTimeout,
		JobID:   jobID,
		Message: "stream timeout, poll the status endpoint",
		TS:      now.UTC(),
	}
}
