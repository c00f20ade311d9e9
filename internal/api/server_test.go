package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	systemclock "github.com/webaudit/sitescan/internal/clock/system"
	"github.com/webaudit/sitescan/internal/config"
	sha256hash "github.com/webaudit/sitescan/internal/hash/sha256"
	"github.com/webaudit/sitescan/internal/id/uuid"
	"github.com/webaudit/sitescan/internal/intake"
	"github.com/webaudit/sitescan/internal/metrics"
	"github.com/webaudit/sitescan/internal/progress"
	memoryqueue "github.com/webaudit/sitescan/internal/queue/memory"
	"github.com/webaudit/sitescan/internal/quota"
	"github.com/webaudit/sitescan/internal/scan"
	"github.com/webaudit/sitescan/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type testServer struct {
	server *Server
	jobs   *memory.JobStore
	queue  *memoryqueue.Queue
	broker *progress.Broker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		jobs:   memory.NewJobStore(),
		queue:  memoryqueue.NewQueue(16),
		broker: progress.NewBroker(zap.NewNop()),
	}
	t.Cleanup(ts.queue.Close)

	clock := systemclock.New()
	ledger := quota.NewLedger(memory.NewDeviceStore(), quota.Limits{User: 2, Device: 2, IP: 1}, clock, zap.NewNop())
	svc := intake.New(ts.jobs, ts.queue, ledger, sha256hash.New(), clock, uuid.New(), ts.broker, 3, zap.NewNop())

	cfg := config.Config{}
	cfg.Stream.HeartbeatSec = 1
	cfg.Stream.MaxAgeSec = 2

	ts.server = NewServer(ts.jobs, svc, ts.broker, clock, cfg, zap.NewNop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/readyz", nil, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/metrics", nil, nil).Code)
}

func TestStartScan(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/scans",
		map[string]string{"url": "https://acme.example.com"},
		map[string]string{"X-User-ID": "user-1"},
	)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[map[string]any](t, rec)
	require.NotEmpty(t, body["job_id"])
	require.Equal(t, "queued", body["status"])
	require.Equal(t, float64(1), body["quota_remaining"])

	job, err := ts.jobs.GetJob(context.Background(), body["job_id"].(string))
	require.NoError(t, err)
	require.Equal(t, scan.StatusQueued, job.Status)
}

func TestStartScanRejectsBadInput(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	headers := map[string]string{"X-User-ID": "user-1"}

	rec := ts.do(t, http.MethodPost, "/v1/scans", map[string]string{"url": "ftp://acme.example.com"}, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/scans", map[string]string{}, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartScanQuotaDenied(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	headers := map[string]string{"X-User-ID": "user-q"}
	body := map[string]string{"url": "https://acme.example.com"}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/scans", body, headers).Code)
	}
	rec := ts.do(t, http.MethodPost, "/v1/scans", body, headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	payload := decode[map[string]any](t, rec)
	require.Equal(t, float64(0), payload["remaining"])
	require.NotEmpty(t, payload["reset_at"])
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/scans",
		map[string]string{"url": "https://acme.example.com"},
		map[string]string{"X-User-ID": "user-1"},
	)
	jobID := decode[map[string]any](t, rec)["job_id"].(string)

	rec = ts.do(t, http.MethodGet, "/v1/scans/"+jobID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusNotFound,
		ts.do(t, http.MethodGet, "/v1/scans/nope/status", nil, nil).Code)
}

func TestStopScan(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/scans",
		map[string]string{"url": "https://acme.example.com"},
		map[string]string{"X-User-ID": "user-1"},
	)
	jobID := decode[map[string]any](t, rec)["job_id"].(string)

	require.Equal(t, http.StatusOK,
		ts.do(t, http.MethodPost, "/v1/scans/"+jobID+"/stop", nil, nil).Code)
	require.Equal(t, http.StatusConflict,
		ts.do(t, http.MethodPost, "/v1/scans/"+jobID+"/stop", nil, nil).Code)

	job, err := ts.jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusCancelled, job.Status)
}

func seedJobWithPages(t *testing.T, ts *testServer, jobID string, status scan.JobStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ts.jobs.CreateJob(ctx, scan.Job{
		ID:       jobID,
		UserID:   "user-1",
		SiteURL:  "https://acme.example.com",
		Status:   scan.StatusQueued,
		QueuedAt: time.Now().UTC(),
	}))
	_, err := ts.jobs.CreatePages(ctx, jobID, []scan.Page{
		{ID: "p1", JobID: jobID, URL: "https://acme.example.com", NormalizedURL: "https://acme.example.com", SelectedByDiscovery: true},
		{ID: "p2", JobID: jobID, URL: "https://acme.example.com/about", NormalizedURL: "https://acme.example.com/about"},
	})
	require.NoError(t, err)

	for _, next := range []scan.JobStatus{
		scan.StatusDiscovering, scan.StatusSelecting, scan.StatusScraping,
		scan.StatusAnalyzing, scan.StatusAggregating, scan.StatusCompleted,
	} {
		if status == scan.StatusQueued {
			break
		}
		require.NoError(t, ts.jobs.UpdateJobStatus(ctx, jobID, next, ""))
		if next == status {
			break
		}
	}
}

func TestListPagesWithFilter(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	seedJobWithPages(t, ts, "job-pages", scan.StatusQueued)

	rec := ts.do(t, http.MethodGet, "/v1/scans/job-pages/pages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]scan.Page](t, rec)
	require.Len(t, body["pages"], 2)

	rec = ts.do(t, http.MethodGet, "/v1/scans/job-pages/pages?selected=true", nil, nil)
	body = decode[map[string][]scan.Page](t, rec)
	require.Len(t, body["pages"], 1)
	require.Equal(t, "p1", body["pages"][0].ID)
}

func TestSetPageSelection(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	seedJobWithPages(t, ts, "job-sel", scan.StatusQueued)

	rec := ts.do(t, http.MethodPost, "/v1/scans/job-sel/pages/p2/selection",
		selectionRequest{Selected: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]scan.Page](t, rec)
	require.True(t, body["page"].Selected())

	require.Equal(t, http.StatusNotFound,
		ts.do(t, http.MethodPost, "/v1/scans/job-sel/pages/nope/selection",
			selectionRequest{Selected: true}, nil).Code)
}

func TestSetPageSelectionAfterScrapingConflicts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	seedJobWithPages(t, ts, "job-late", scan.StatusScraping)

	rec := ts.do(t, http.MethodPost, "/v1/scans/job-late/pages/p1/selection",
		selectionRequest{Selected: false}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetResults(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	seedJobWithPages(t, ts, "job-res", scan.StatusAggregating)

	rec := ts.do(t, http.MethodGet, "/v1/scans/job-res/results", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	overall := 80
	require.NoError(t, ts.jobs.CompleteJob(context.Background(), "job-res",
		scan.Scores{Overall: &overall}, scan.IssueCounts{Total: 3, Warning: 3}, 1, time.Now().UTC()))

	rec = ts.do(t, http.MethodGet, "/v1/scans/job-res/results", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Job   scan.Job    `json:"job"`
		Pages []scan.Page `json:"pages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, scan.StatusCompleted, body.Job.Status)
	require.Len(t, body.Pages, 1)
	require.Equal(t, "p1", body.Pages[0].ID)
}

func TestListScansScopedToUser(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/scans",
			map[string]string{"url": fmt.Sprintf("https://site%d.example.com", i)},
			map[string]string{"X-User-ID": "user-h"},
		)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/v1/scans?limit=1", nil,
		map[string]string{"X-User-ID": "user-h"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]scan.Job](t, rec)
	require.Len(t, body["scans"], 1)

	rec = ts.do(t, http.MethodGet, "/v1/scans", nil,
		map[string]string{"X-User-ID": "someone-else"})
	body = decode[map[string][]scan.Job](t, rec)
	require.Empty(t, body["scans"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	guarded := NewServer(ts.jobs, nil, ts.broker, systemclock.New(), cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	guarded.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	guarded.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
