package intake

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	systemclock "github.com/webaudit/sitescan/internal/clock/system"
	sha256hash "github.com/webaudit/sitescan/internal/hash/sha256"
	"github.com/webaudit/sitescan/internal/id/uuid"
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

type env struct {
	svc     *Service
	jobs    *memory.JobStore
	devices *memory.DeviceStore
	queue   *memoryqueue.Queue
	broker  *progress.Broker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		jobs:    memory.NewJobStore(),
		devices: memory.NewDeviceStore(),
		queue:   memoryqueue.NewQueue(16),
		broker:  progress.NewBroker(zap.NewNop()),
	}
	t.Cleanup(e.queue.Close)

	clock := systemclock.New()
	ledger := quota.NewLedger(e.devices, quota.Limits{User: 15, Device: 2, IP: 1}, clock, zap.NewNop())
	e.svc = New(e.jobs, e.queue, ledger, sha256hash.New(), clock, uuid.New(), e.broker, 3, zap.NewNop())
	return e
}

func TestStartScanWithUser(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	res, err := e.svc.StartScan(ctx, StartRequest{
		SiteURL: "HTTPS://Acme.Example.com/",
		UserID:  "user-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	require.Equal(t, scan.StatusQueued, res.Status)
	require.Equal(t, 14, res.QuotaRemaining)

	job, err := e.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, "user-1", job.UserID)
	require.Empty(t, job.DeviceID)
	require.Equal(t, "https://acme.example.com", job.SiteURL)
	require.NotEmpty(t, job.WorkerTaskID)

	task, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, res.JobID, task.JobID)
	require.Equal(t, scan.StageDiscovery, task.Stage)
	require.Equal(t, 1, task.Attempt)
	require.Equal(t, job.WorkerTaskID, task.ID)
}

func TestStartScanLinksDeviceToUser(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	// An anonymous scan establishes the device session.
	_, err := e.svc.StartScan(ctx, StartRequest{
		SiteURL:           "https://acme.example.com",
		DeviceFingerprint: "fp-migrate",
	})
	require.NoError(t, err)

	digest, err := sha256hash.New().Hash([]byte("fp-migrate"))
	require.NoError(t, err)
	sess, err := e.devices.GetDevice(ctx, digest)
	require.NoError(t, err)
	require.Empty(t, sess.UserID)
	require.Equal(t, 1, sess.DailyScanCount)

	// The same device scans again after signing in. Quota charges the user
	// tier and the session adopts the account.
	res, err := e.svc.StartScan(ctx, StartRequest{
		SiteURL:           "https://acme.example.com",
		UserID:            "user-1",
		DeviceFingerprint: "fp-migrate",
	})
	require.NoError(t, err)
	require.Equal(t, 14, res.QuotaRemaining)

	sess, err = e.devices.GetDevice(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, "user-1", sess.UserID)
	require.Equal(t, 1, sess.DailyScanCount, "anonymous counter stays on the device row")

	// A second account on the same device does not steal the link.
	_, err = e.svc.StartScan(ctx, StartRequest{
		SiteURL:           "https://acme.example.com",
		UserID:            "user-2",
		DeviceFingerprint: "fp-migrate",
	})
	require.NoError(t, err)
	sess, err = e.devices.GetDevice(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, "user-1", sess.UserID)
}

func TestStartScanHashesFingerprint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	res, err := e.svc.StartScan(context.Background(), StartRequest{
		SiteURL:           "https://acme.example.com",
		DeviceFingerprint: "raw-fingerprint-value",
	})
	require.NoError(t, err)

	job, err := e.jobs.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Empty(t, job.UserID)
	require.NotEmpty(t, job.DeviceID)
	require.NotContains(t, job.DeviceID, "raw-fingerprint-value")
	require.Len(t, job.DeviceID, 64)
}

func TestStartScanRejectsBadURL(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.svc.StartScan(context.Background(), StartRequest{
		SiteURL: "ftp://acme.example.com",
		UserID:  "user-1",
	})
	require.Error(t, err)
}

func TestStartScanRequiresIdentity(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.svc.StartScan(context.Background(), StartRequest{
		SiteURL: "https://acme.example.com",
	})
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestStartScanQuotaDenialDoesNotConsume(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	req := StartRequest{SiteURL: "https://acme.example.com", DeviceFingerprint: "fp-1"}

	for i := 0; i < 2; i++ {
		_, err := e.svc.StartScan(ctx, req)
		require.NoError(t, err)
	}

	// Device tier caps at 2; every further attempt is denied without
	// touching the counter.
	for i := 0; i < 3; i++ {
		_, err := e.svc.StartScan(ctx, req)
		require.Error(t, err)
		denied, ok := quota.IsDenied(err)
		require.True(t, ok)
		require.Equal(t, quota.TierDevice, denied.Tier)
		require.Equal(t, 2, denied.Limit)
	}
}

func TestStartScanIPTier(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	req := StartRequest{SiteURL: "https://acme.example.com", ClientIP: "203.0.113.9"}

	res, err := e.svc.StartScan(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 0, res.QuotaRemaining)

	_, err = e.svc.StartScan(ctx, req)
	denied, ok := quota.IsDenied(err)
	require.True(t, ok)
	require.Equal(t, quota.TierIP, denied.Tier)
}

func TestStopScanPersistsAndSignals(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	res, err := e.svc.StartScan(ctx, StartRequest{
		SiteURL: "https://acme.example.com",
		UserID:  "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, e.svc.StopScan(ctx, res.JobID))

	job, err := e.jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, scan.StatusCancelled, job.Status)
	require.Equal(t, "cancelled by owner", job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)

	// The queued task was marked cancelled; the queue must skip it.
	_, err = e.svc.StartScan(ctx, StartRequest{
		SiteURL: "https://other.example.com",
		UserID:  "user-1",
	})
	require.NoError(t, err)
	task, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotEqual(t, res.JobID, task.JobID)
}

func TestStopScanTerminalJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	res, err := e.svc.StartScan(ctx, StartRequest{
		SiteURL: "https://acme.example.com",
		UserID:  "user-1",
	})
	require.NoError(t, err)
	require.NoError(t, e.svc.StopScan(ctx, res.JobID))

	err = e.svc.StopScan(ctx, res.JobID)
	require.ErrorIs(t, err, scan.ErrTerminal)
}

func TestHistoryScopedToOwner(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.svc.StartScan(ctx, StartRequest{
			SiteURL: "https://acme.example.com",
			UserID:  "user-1",
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := e.svc.StartScan(ctx, StartRequest{
		SiteURL: "https://acme.example.com",
		UserID:  "user-2",
	})
	require.NoError(t, err)

	jobs, err := e.svc.History(ctx, scan.Owner{UserID: "user-1"}, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.Equal(t, "user-1", j.UserID)
	}
	require.True(t, !jobs[0].QueuedAt.Before(jobs[1].QueuedAt))
}
