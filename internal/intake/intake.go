// Package intake admits scan requests: it validates the target, resolves the
// caller to a quota identity, creates the job, and dispatches the first
// pipeline stage.
package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/metrics"
	"github.com/webaudit/sitescan/internal/progress"
	"github.com/webaudit/sitescan/internal/quota"
	"github.com/webaudit/sitescan/internal/scan"
)

// ErrNoIdentity is returned when a request carries no usable caller identity.
var ErrNoIdentity = errors.New("no caller identity: user, device fingerprint, or client IP required")

// StartRequest is one scan submission. Identity fields are tried in order:
// authenticated user, device fingerprint, client IP.
type StartRequest struct {
	SiteURL           string
	UserID            string
	DeviceFingerprint string
	ClientIP          string
}

// StartResult reports an admitted scan.
type StartResult struct {
	JobID          string
	Status         scan.JobStatus
	QuotaRemaining int
}

// Service coordinates scan admission and stopping.
type Service struct {
	jobs       scan.JobStore
	queue      scan.TaskQueue
	ledger     *quota.Ledger
	hasher     scan.Hasher
	clock      scan.Clock
	ids        scan.IDGenerator
	broker     *progress.Broker
	maxRetries int
	logger     *zap.Logger
}

// New builds a Service.
func New(
	jobs scan.JobStore,
	queue scan.TaskQueue,
	ledger *quota.Ledger,
	hasher scan.Hasher,
	clock scan.Clock,
	ids scan.IDGenerator,
	broker *progress.Broker,
	maxRetries int,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		jobs:       jobs,
		queue:      queue,
		ledger:     ledger,
		hasher:     hasher,
		clock:      clock,
		ids:        ids,
		broker:     broker,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// StartScan admits one scan. Quota is checked before the job exists and
// committed only after dispatch succeeds, so a denied or failed submission
// never consumes allowance.
func (s *Service) StartScan(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := scan.ValidateURL(req.SiteURL); err != nil {
		return StartResult{}, err
	}
	siteURL := scan.NormalizeURL(req.SiteURL)

	identity, owner, err := s.resolveIdentity(req)
	if err != nil {
		return StartResult{}, err
	}
	s.linkDeviceUser(ctx, req)

	reservation, err := s.ledger.CheckAndReserve(ctx, identity)
	if err != nil {
		if denied, ok := quota.IsDenied(err); ok {
			metrics.ObserveQuotaDenial(string(denied.Tier))
		}
		return StartResult{}, err
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return StartResult{}, fmt.Errorf("new job id: %w", err)
	}
	job := scan.Job{
		ID:         jobID,
		UserID:     owner.UserID,
		DeviceID:   owner.DeviceID,
		SiteURL:    siteURL,
		Status:     scan.StatusQueued,
		MaxRetries: s.maxRetries,
		QueuedAt:   s.clock.Now().UTC(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return StartResult{}, fmt.Errorf("create job: %w", err)
	}

	if err := s.dispatch(ctx, jobID); err != nil {
		if updateErr := s.jobs.UpdateJobStatus(ctx, jobID, scan.StatusFailed, "dispatch failed: "+err.Error()); updateErr != nil {
			s.logger.Error("failed to mark undispatched job",
				zap.String("job_id", jobID), zap.Error(updateErr))
		}
		return StartResult{}, fmt.Errorf("dispatch scan: %w", err)
	}

	if err := reservation.Commit(ctx); err != nil {
		// The scan is already running; losing the increment only makes the
		// quota slightly generous.
		s.logger.Warn("quota commit failed",
			zap.String("job_id", jobID),
			zap.String("tier", string(identity.Tier)),
			zap.Error(err),
		)
	}

	s.logger.Info("scan admitted",
		zap.String("job_id", jobID),
		zap.String("site", metrics.SanitizeSite(siteURL)),
		zap.String("tier", string(identity.Tier)),
	)
	return StartResult{
		JobID:          jobID,
		Status:         scan.StatusQueued,
		QuotaRemaining: reservation.Remaining,
	}, nil
}

// resolveIdentity maps the request to one quota identity and the job owner.
// Anonymous callers are keyed by a digest; raw fingerprints and addresses
// are never persisted.
func (s *Service) resolveIdentity(req StartRequest) (quota.Identity, scan.Owner, error) {
	switch {
	case req.UserID != "":
		return quota.Identity{Tier: quota.TierUser, Key: req.UserID},
			scan.Owner{UserID: req.UserID}, nil
	case req.DeviceFingerprint != "":
		digest, err := s.hasher.Hash([]byte(req.DeviceFingerprint))
		if err != nil {
			return quota.Identity{}, scan.Owner{}, fmt.Errorf("hash fingerprint: %w", err)
		}
		return quota.Identity{Tier: quota.TierDevice, Key: digest},
			scan.Owner{DeviceID: digest}, nil
	case req.ClientIP != "":
		digest, err := s.hasher.Hash([]byte("ip:" + req.ClientIP))
		if err != nil {
			return quota.Identity{}, scan.Owner{}, fmt.Errorf("hash address: %w", err)
		}
		return quota.Identity{Tier: quota.TierIP, Key: digest},
			scan.Owner{DeviceID: digest}, nil
	default:
		return quota.Identity{}, scan.Owner{}, ErrNoIdentity
	}
}

// linkDeviceUser ties the caller's device session to their account when a
// request carries both. Quota is still charged to the user tier; the link
// only records which account the device's earlier anonymous scans belong to.
func (s *Service) linkDeviceUser(ctx context.Context, req StartRequest) {
	if req.UserID == "" || req.DeviceFingerprint == "" {
		return
	}
	digest, err := s.hasher.Hash([]byte(req.DeviceFingerprint))
	if err != nil {
		s.logger.Warn("hash fingerprint for user link", zap.Error(err))
		return
	}
	if err := s.ledger.LinkUser(ctx, digest, req.UserID); err != nil {
		s.logger.Warn("link device session to user",
			zap.String("user_id", req.UserID), zap.Error(err))
	}
}

// ResolveOwner maps identity inputs to the owner key jobs are stored under,
// using the same precedence and hashing as StartScan.
func (s *Service) ResolveOwner(userID, fingerprint, ip string) (scan.Owner, error) {
	_, owner, err := s.resolveIdentity(StartRequest{
		UserID:            userID,
		DeviceFingerprint: fingerprint,
		ClientIP:          ip,
	})
	return owner, err
}

func (s *Service) dispatch(ctx context.Context, jobID string) error {
	taskID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("new task id: %w", err)
	}
	if err := s.jobs.SetWorkerTaskID(ctx, jobID, taskID); err != nil {
		return fmt.Errorf("record task id: %w", err)
	}
	task := scan.Task{
		ID:        taskID,
		JobID:     jobID,
		Stage:     scan.StageDiscovery,
		Attempt:   1,
		Submitted: s.clock.Now().Unix(),
	}
	return s.queue.Enqueue(ctx, task)
}

// StopScan records the cancellation and signals the queue. The persisted
// status is authoritative; the queue signal only saves wasted work.
func (s *Service) StopScan(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.jobs.UpdateJobStatus(ctx, jobID, scan.StatusCancelled, "cancelled by owner"); err != nil {
		return err
	}
	metrics.ObserveJob(string(scan.StatusCancelled))

	if job.WorkerTaskID != "" {
		if err := s.queue.Cancel(ctx, job.WorkerTaskID); err != nil {
			s.logger.Warn("queue cancel signal failed",
				zap.String("job_id", jobID),
				zap.String("task_id", job.WorkerTaskID),
				zap.Error(err),
			)
		}
	}

	if fresh, err := s.jobs.GetJob(ctx, jobID); err == nil {
		s.broker.Publish(progress.Snapshot(fresh, s.clock.Now()))
	}

	s.logger.Info("scan stopped", zap.String("job_id", jobID))
	return nil
}

// History lists the owner's jobs, newest first.
func (s *Service) History(ctx context.Context, owner scan.Owner, limit int) ([]scan.Job, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.jobs.ListJobsByOwner(ctx, owner, limit)
}
