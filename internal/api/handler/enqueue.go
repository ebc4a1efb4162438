package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/api/response"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Enqueuer defines the interface the enqueue handler depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, analysisID uuid.UUID) (*models.AnalysisJob, error)
}

// NewEnqueueHandler returns an http.HandlerFunc for
// POST /internal/v1/analyses/{analysisID}/enqueue. It creates the queue job
// for an analysis that does not have one yet; exactly one job may exist per
// analysis, so a second call conflicts.
func NewEnqueueHandler(st store.Store, q Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "analysisID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "analysisID must be a valid UUID", nil)
			return
		}

		if _, err := st.GetAnalysis(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Analysis not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not load the analysis", nil)
			return
		}

		if existing, err := st.GetJobByAnalysisID(r.Context(), id); err == nil {
			response.Error(w, http.StatusConflict, "JOB_EXISTS", "A job already exists for this analysis", map[string]any{
				"job_id": existing.ID,
				"status": existing.Status,
			})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not check for an existing job", nil)
			return
		}

		job, err := q.Enqueue(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "ENQUEUE_FAILED", "Could not enqueue the analysis", nil)
			return
		}
		response.Accepted(w, job)
	}
}
