package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/metrics"
	"github.com/webaudit/sitescan/internal/progress"
	"github.com/webaudit/sitescan/internal/scan"
)

// streamProgress serves Server-Sent Events for one job. The first payload is
// always a snapshot from the store; for a terminal job that is also the last.
// Open streams heartbeat when idle and close at the age ceiling so an
// abandoned browser tab cannot pin a subscription forever.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "scan not found")
		} else {
			s.logger.Error("stream job read failed", zap.String("job_id", jobID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to load scan")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := progress.Snapshot(job, s.clock.Now())
	s.writeEvent(w, flusher, snapshot)
	if job.Status.Terminal() {
		return
	}

	events, unsubscribe := s.broker.Subscribe(jobID)
	defer unsubscribe()
	metrics.IncStreamSubscribers()
	defer metrics.DecStreamSubscribers()

	heartbeat := time.NewTicker(s.cfg.StreamHeartbeat())
	defer heartbeat.Stop()
	deadline := time.NewTimer(s.cfg.StreamMaxAge())
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			s.writeEvent(w, flusher, progress.Timeout(jobID, s.clock.Now()))
			return
		case <-heartbeat.C:
			s.writeEvent(w, flusher, progress.Heartbeat(jobID, s.clock.Now()))
		case evt, open := <-events:
			if !open {
				return
			}
			s.writeEvent(w, flusher, evt)
			if evt.Type == progress.TypeComplete || evt.Type == progress.TypeError {
				return
			}
			heartbeat.Reset(s.cfg.StreamHeartbeat())
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, evt progress.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal stream event failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return
	}
	flusher.Flush()
}
