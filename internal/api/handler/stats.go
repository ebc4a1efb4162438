package handler

import (
	"context"
	"net/http"

	"github.com/aura-health/retina-pipeline/internal/api/response"
)

// QueueStats defines the interface the stats handler depends on.
type QueueStats interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

// NewQueueStatsHandler returns an http.HandlerFunc for
// GET /internal/v1/queue/stats.
func NewQueueStatsHandler(q QueueStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := q.Stats(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not read queue stats", nil)
			return
		}
		response.JSON(w, map[string]any{"jobs": counts})
	}
}
