package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-health/retina-pipeline/internal/ai/mock"
	"github.com/aura-health/retina-pipeline/internal/config"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

func newTestPoller(env *testEnv, concurrency int) *Poller {
	cfg := config.WorkerConfig{
		Enabled:        true,
		PollInterval:   10 * time.Millisecond,
		Concurrency:    concurrency,
		MaxAttempts:    3,
		StaleLockAfter: 10 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPoller(env.coord, env.proc, env.store, cfg, logger)
}

func TestTickDispatchesQueuedJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	ownerA := uuid.New()
	_, jobA := env.seedAnalysis(t, ownerA, nil)
	_, jobB := env.seedAnalysis(t, uuid.New(), nil)

	p := newTestPoller(env, 2)
	p.tick(ctx)
	p.wg.Wait()

	for _, id := range []uuid.UUID{jobA, jobB} {
		job, err := env.store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, job.Status)
	}
}

func TestTickRequeuesWhenPoolSaturated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	_, jobID := env.seedAnalysis(t, uuid.New(), nil)

	p := newTestPoller(env, 1)
	p.slots <- struct{}{} // occupy the only slot

	p.tick(ctx)

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "worker pool saturated", *job.LastError)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, env.client.Calls)
}

func TestTickStopsOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	p := newTestPoller(env, 2)
	p.tick(ctx)
	p.wg.Wait()

	assert.Empty(t, env.client.Calls)
}

func TestPollerStartStopDrains(t *testing.T) {
	env := newTestEnv(t, &mock.Client{})

	analysisID, jobID := env.seedAnalysis(t, uuid.New(), nil)

	p := newTestPoller(env, 2)
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		job, err := env.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()

	analysis, err := env.store.GetAnalysis(context.Background(), analysisID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusCompleted, analysis.Status)
}

func TestReclaimStaleRequeuesAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	_, jobID := env.seedAnalysis(t, uuid.New(), nil)

	// Claim the job, then backdate its lock as if the worker died.
	claimed, err := env.coord.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.ID)
	env.store.BackdateJobLock(jobID, 30*time.Minute)

	p := newTestPoller(env, 1)
	p.reclaimStale(ctx)

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "stale lock reclaimed", *job.LastError)
}
