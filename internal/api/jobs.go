package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/pkg/httputil"
	"github.com/ignite/automation-engine/internal/worker"
)

// handleJobStats returns job counts by status.
//
//	GET /jobs/stats
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue_unavailable", "job queue not configured")
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err, "op", "job_stats")
		return
	}
	httputil.OK(w, stats)
}

// handleRetryJob requeues a failed or dead-lettered job.
//
//	POST /jobs/{id}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue_unavailable", "job queue not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid_job_id", "invalid job id")
		return
	}

	err := s.queue.Retry(r.Context(), id)
	switch {
	case errors.Is(err, worker.ErrJobNotRetryable):
		httputil.Error(w, http.StatusConflict, "job_not_retryable", err.Error())
	case err != nil:
		httputil.InternalError(w, err, "op", "job_retry", "job_id", id)
	default:
		s.log.Info("job requeued by operator", "job_id", id)
		httputil.JSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(worker.JobQueued)})
	}
}
