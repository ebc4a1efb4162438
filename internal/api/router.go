package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/aura-health/retina-pipeline/internal/api/middleware"
	"github.com/aura-health/retina-pipeline/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	HealthHandler      http.HandlerFunc
	SubmitHandler      http.HandlerFunc
	GetAnalysisHandler http.HandlerFunc
	EnqueueHandler     http.HandlerFunc
	QueueStatsHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/healthz", orNotImplemented(deps.HealthHandler))

	r.Route("/internal/v1", func(r chi.Router) {
		r.Post("/analyses", orNotImplemented(deps.SubmitHandler))
		r.Get("/analyses/{analysisID}", orNotImplemented(deps.GetAnalysisHandler))
		r.Post("/analyses/{analysisID}/enqueue", orNotImplemented(deps.EnqueueHandler))
		r.Get("/queue/stats", orNotImplemented(deps.QueueStatsHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
