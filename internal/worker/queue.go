// Package worker contains the durable job queue coordinator, the job
// processor and the poller that drives them.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Coordinator enqueues and claims analysis jobs. Claiming is atomic at the
// database level, so any number of worker processes can share one queue.
type Coordinator struct {
	store store.Store
}

func NewCoordinator(s store.Store) *Coordinator {
	return &Coordinator{store: s}
}

// Enqueue inserts one QUEUED job for the analysis.
func (c *Coordinator) Enqueue(ctx context.Context, analysisID uuid.UUID) (*models.AnalysisJob, error) {
	now := time.Now().UTC()
	job := &models.AnalysisJob{
		ID:         uuid.New(),
		AnalysisID: analysisID,
		Status:     models.JobStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing job for analysis %s: %w", analysisID, err)
	}
	return job, nil
}

// ClaimNextQueued claims the oldest QUEUED job, marking it RUNNING and
// incrementing its attempts. Returns (nil, nil) when the queue is empty.
func (c *Coordinator) ClaimNextQueued(ctx context.Context) (*models.AnalysisJob, error) {
	return c.store.ClaimNextQueuedJob(ctx)
}

// Stats returns job counts grouped by status.
func (c *Coordinator) Stats(ctx context.Context) (map[string]int64, error) {
	return c.store.CountJobsByStatus(ctx)
}
