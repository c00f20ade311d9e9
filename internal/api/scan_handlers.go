package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/intake"
	"github.com/webaudit/sitescan/internal/quota"
	"github.com/webaudit/sitescan/internal/scan"
)

type startScanRequest struct {
	URL               string `json:"url"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type selectionRequest struct {
	Selected bool `json:"selected"`
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	fingerprint := req.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = r.Header.Get("X-Device-Fingerprint")
	}
	result, err := s.intake.StartScan(r.Context(), intake.StartRequest{
		SiteURL:           req.URL,
		UserID:            r.Header.Get("X-User-ID"),
		DeviceFingerprint: fingerprint,
		ClientIP:          clientIP(r),
	})
	if err != nil {
		s.startScanError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":          result.JobID,
		"status":          string(result.Status),
		"quota_remaining": result.QuotaRemaining,
	})
}

func (s *Server) startScanError(w http.ResponseWriter, err error) {
	if denied, ok := quota.IsDenied(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(denied.ResetAt).Seconds())))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     denied.Error(),
			"remaining": 0,
			"reset_at":  denied.ResetAt.Format(time.RFC3339),
		})
		return
	}
	if errors.Is(err, intake.ErrNoIdentity) || errors.Is(err, scan.ErrInvalidURL) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("scan submission failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to start scan")
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	owner, err := s.intake.ResolveOwner(
		r.Header.Get("X-User-ID"),
		r.Header.Get("X-Device-Fingerprint"),
		clientIP(r),
	)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 20
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		val, convErr := strconv.Atoi(limStr)
		if convErr != nil || val <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = val
	}

	jobs, err := s.intake.History(r.Context(), owner, limit)
	if err != nil {
		s.logger.Error("list scans failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scans": jobs})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// getResults serves the aggregate scores plus per-page details. Only a
// completed scan has results; anything else is a client error.
func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != scan.StatusCompleted {
		s.writeError(w, http.StatusBadRequest, "scan is not completed")
		return
	}

	pages, err := s.jobs.ListPages(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("job_id", job.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	selected := make([]scan.Page, 0, len(pages))
	for _, p := range pages {
		if p.Selected() {
			selected = append(selected, p)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job":   job,
		"pages": selected,
	})
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	pages, err := s.jobs.ListPages(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("job_id", job.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}

	if filter := r.URL.Query().Get("selected"); filter != "" {
		want, convErr := strconv.ParseBool(filter)
		if convErr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid selected filter")
			return
		}
		filtered := pages[:0]
		for _, p := range pages {
			if p.Selected() == want {
				filtered = append(filtered, p)
			}
		}
		pages = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) setPageSelection(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	// Selection only matters before scraping consumes the flags.
	switch job.Status {
	case scan.StatusQueued, scan.StatusDiscovering, scan.StatusSelecting:
	default:
		s.writeError(w, http.StatusConflict, "scan has passed the selection phase")
		return
	}

	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	page, err := s.jobs.SetPageSelection(r.Context(), job.ID, chi.URLParam(r, "page_id"), req.Selected)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "page not found")
			return
		}
		s.logger.Error("page selection failed", zap.String("job_id", job.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to update selection")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"page": page})
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.intake.StopScan(r.Context(), jobID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID,
			"status": string(scan.StatusCancelled),
		})
	case errors.Is(err, scan.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "scan not found")
	case errors.Is(err, scan.ErrTerminal):
		s.writeError(w, http.StatusConflict, "scan already finished")
	default:
		s.logger.Error("stop scan failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to stop scan")
	}
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (scan.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "scan not found")
		} else {
			s.logger.Error("job read failed", zap.String("job_id", jobID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to load scan")
		}
		return scan.Job{}, false
	}
	return job, true
}

// clientIP prefers the first proxy-forwarded address and falls back to the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
