package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webaudit/sitescan/internal/progress"
	"github.com/webaudit/sitescan/internal/scan"
)

// readEvents consumes the SSE stream until it closes, returning event names
// in order.
func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func TestStreamTerminalJobClosesAfterSnapshot(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	seedJobWithPages(t, ts, "job-done", scan.StatusCompleted)

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/scans/job-done/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, []string{"complete"}, readEvents(t, resp))
}

func TestStreamUnknownJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/scans/nope/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDeliversProgressThenComplete(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	seedJobWithPages(t, ts, "job-live", scan.StatusDiscovering)

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	go func() {
		// Give the client a moment to subscribe before publishing.
		time.Sleep(200 * time.Millisecond)
		ctx := context.Background()
		if err := ts.jobs.UpdateJobStatus(ctx, "job-live", scan.StatusSelecting, ""); err != nil {
			t.Error(err)
			return
		}
		job, err := ts.jobs.GetJob(ctx, "job-live")
		if err != nil {
			t.Error(err)
			return
		}
		ts.broker.Publish(progress.Snapshot(job, time.Now()))

		time.Sleep(100 * time.Millisecond)
		for _, next := range []scan.JobStatus{
			scan.StatusScraping, scan.StatusAnalyzing, scan.StatusAggregating, scan.StatusCompleted,
		} {
			if err := ts.jobs.UpdateJobStatus(ctx, "job-live", next, ""); err != nil {
				t.Error(err)
				return
			}
		}
		job, err = ts.jobs.GetJob(ctx, "job-live")
		if err != nil {
			t.Error(err)
			return
		}
		ts.broker.Publish(progress.Snapshot(job, time.Now()))
	}()

	resp, err := http.Get(srv.URL + "/v1/scans/job-live/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	names := readEvents(t, resp)
	require.Equal(t, "progress", names[0])
	require.Contains(t, names, "complete")
	require.Equal(t, "complete", names[len(names)-1])
}

func TestStreamTimesOutAtAgeCeiling(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	seedJobWithPages(t, ts, "job-stall", scan.StatusDiscovering)

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	start := time.Now()
	resp, err := http.Get(srv.URL + "/v1/scans/job-stall/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	names := readEvents(t, resp)
	// Heartbeat at 1s keeps the stream alive until the 2s ceiling.
	require.Contains(t, names, "heartbeat")
	require.Equal(t, "timeout", names[len(names)-1])
	require.WithinDuration(t, start.Add(2*time.Second), time.Now(), 1500*time.Millisecond)
}
