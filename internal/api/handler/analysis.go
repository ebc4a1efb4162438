package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/api/response"
	"github.com/aura-health/retina-pipeline/internal/cache"
	"github.com/aura-health/retina-pipeline/internal/store"
)

const statusCacheTTL = 10 * time.Minute

// NewGetAnalysisHandler returns an http.HandlerFunc for
// GET /internal/v1/analyses/{analysisID}. Status polls are served from the
// Redis mirror when possible; a miss falls through to the database and
// refreshes the mirror.
func NewGetAnalysisHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "analysisID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "analysisID must be a valid UUID", nil)
			return
		}

		if c != nil {
			if status, ok, cerr := c.GetAnalysisStatus(r.Context(), id); cerr == nil && ok {
				response.JSON(w, map[string]any{"id": id, "status": status})
				return
			}
		}

		analysis, err := st.GetAnalysis(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Analysis not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not load the analysis", nil)
			return
		}

		if c != nil {
			// best-effort backfill
			_ = c.SetAnalysisStatus(r.Context(), id, analysis.Status, statusCacheTTL)
		}
		response.JSON(w, analysis)
	}
}
