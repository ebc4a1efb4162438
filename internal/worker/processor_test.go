package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-health/retina-pipeline/internal/ai/mock"
	"github.com/aura-health/retina-pipeline/internal/billing"
	"github.com/aura-health/retina-pipeline/internal/files"
	"github.com/aura-health/retina-pipeline/internal/notify"
	"github.com/aura-health/retina-pipeline/internal/storage"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

type testEnv struct {
	store   *store.MemoryStore
	objects *storage.MemoryStore
	client  *mock.Client
	coord   *Coordinator
	proc    *Processor
}

func newTestEnv(t *testing.T, client *mock.Client) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore("retina-test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := files.NewService(st, objects, time.Minute)
	proc := NewProcessor(st, fs, client, billing.NewLedger(st), notify.NewService(st, logger), nil, logger)
	return &testEnv{
		store:   st,
		objects: objects,
		client:  client,
		coord:   NewCoordinator(st),
		proc:    proc,
	}
}

// seedAnalysis creates a credited owner, an uploaded image, an analysis and
// its queued job, and returns the analysis and job ids.
func (e *testEnv) seedAnalysis(t *testing.T, ownerID uuid.UUID, doctorID *uuid.UUID) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	objectKey := "uploads/" + uuid.NewString() + "-fundus.png"
	require.NoError(t, e.objects.PutBytes(ctx, objectKey, []byte("fake png bytes"), "image/png"))

	fileID := uuid.New()
	require.NoError(t, e.store.CreateStoredFile(ctx, &models.StoredFile{
		ID:          fileID,
		Bucket:      e.objects.Bucket(),
		ObjectKey:   objectKey,
		ContentType: "image/png",
		SizeBytes:   14,
	}))

	analysisID := uuid.New()
	require.NoError(t, e.store.CreateAnalysis(ctx, &models.Analysis{
		ID:               analysisID,
		OwnerID:          ownerID,
		AssignedDoctorID: doctorID,
		Status:           models.AnalysisStatusQueued,
		OriginalFileID:   &fileID,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}))

	job, err := e.coord.Enqueue(ctx, analysisID)
	require.NoError(t, err)
	return analysisID, job.ID
}

// claimAndProcess runs one full poll cycle for a single job.
func (e *testEnv) claimAndProcess(t *testing.T, maxAttempts int) *models.AnalysisJob {
	t.Helper()
	job, err := e.coord.ClaimNextQueued(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	e.proc.ProcessJob(context.Background(), job.ID, maxAttempts)
	return job
}

func TestProcessJobSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	ownerID := uuid.New()
	analysisID, jobID := env.seedAnalysis(t, ownerID, nil)

	env.claimAndProcess(t, 3)

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.LastError)
	assert.Nil(t, job.LockedAt)

	analysis, err := env.store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusCompleted, analysis.Status)
	require.NotNil(t, analysis.PredLabel)
	assert.Equal(t, "normal", *analysis.PredLabel)
	require.NotNil(t, analysis.RiskLevel)
	assert.Equal(t, models.RiskLow, *analysis.RiskLevel)
	require.NotNil(t, analysis.AIVersion)
	assert.Equal(t, "0.1.0", *analysis.AIVersion)
	assert.JSONEq(t, `{"vessel_threshold":0.5}`, string(analysis.ThresholdsJSON))
	assert.NotNil(t, analysis.OverlayFileID)
	assert.NotNil(t, analysis.MaskFileID)
	assert.Nil(t, analysis.HeatmapFileID)

	require.Len(t, env.store.Notifications, 1)
	assert.Equal(t, ownerID, env.store.Notifications[0].UserID)

	require.Len(t, env.client.Calls, 1)
	assert.Equal(t, analysisID, env.client.Calls[0])
}

func TestProcessJobExhaustionFastPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	ownerID := uuid.New()
	require.NoError(t, env.store.CreditCredits(ctx, ownerID, 5))
	analysisID, jobID := env.seedAnalysis(t, ownerID, nil)

	// Simulate a job that has already burned through its budget: claimed
	// (RUNNING) with attempts past the limit.
	for i := 0; i < 4; i++ {
		job, err := env.coord.ClaimNextQueued(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		if i < 3 {
			env.proc.Requeue(ctx, jobID, "transient glitch")
		}
	}

	env.proc.ProcessJob(ctx, jobID, 3)

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "max attempts reached", *job.LastError)

	analysis, err := env.store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusFailed, analysis.Status)

	// Refunded exactly once, without calling the inference service.
	credit, err := env.store.GetUserCredit(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 6, credit.RemainingCredits)
	assert.Empty(t, env.client.Calls)
}

func TestProcessJobRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	transient := errors.New("inference backend unavailable")
	client := mock.NewScripted(
		func() (*models.PredictResponse, error) { return nil, transient },
		func() (*models.PredictResponse, error) { return nil, transient },
		func() (*models.PredictResponse, error) { return mock.DefaultResponse(), nil },
	)
	env := newTestEnv(t, client)

	ownerID := uuid.New()
	require.NoError(t, env.store.CreditCredits(ctx, ownerID, 5))
	analysisID, jobID := env.seedAnalysis(t, ownerID, nil)

	// Attempts 1 and 2 fail and requeue; attempt 3 succeeds.
	for i := 0; i < 3; i++ {
		env.claimAndProcess(t, 3)
	}

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Nil(t, job.LastError)

	analysis, err := env.store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusCompleted, analysis.Status)

	// No refund on an eventual success.
	credit, err := env.store.GetUserCredit(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 5, credit.RemainingCredits)
	assert.Len(t, env.client.Calls, 3)
}

func TestProcessJobFailsPermanentlyAndRefundsOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mock.NewFailing(errors.New("model crashed")))

	ownerID := uuid.New()
	require.NoError(t, env.store.CreditCredits(ctx, ownerID, 2))
	analysisID, jobID := env.seedAnalysis(t, ownerID, nil)

	env.claimAndProcess(t, 1)

	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "model crashed")

	analysis, err := env.store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusFailed, analysis.Status)
	require.NotNil(t, analysis.ErrorMessage)

	credit, err := env.store.GetUserCredit(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 3, credit.RemainingCredits)

	require.Len(t, env.store.Notifications, 1)
	assert.Equal(t, ownerID, env.store.Notifications[0].UserID)

	// A second MarkFailed on the now-terminal job must not refund again.
	env.proc.MarkFailed(ctx, jobID, "duplicate settlement", true)
	credit, err = env.store.GetUserCredit(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 3, credit.RemainingCredits)
}

func TestProcessJobMissingInputIsPermanent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	ownerID := uuid.New()
	require.NoError(t, env.store.CreditCredits(ctx, ownerID, 1))

	analysisID := uuid.New()
	require.NoError(t, env.store.CreateAnalysis(ctx, &models.Analysis{
		ID:      analysisID,
		OwnerID: ownerID,
		Status:  models.AnalysisStatusQueued,
	}))
	job, err := env.coord.Enqueue(ctx, analysisID)
	require.NoError(t, err)

	env.claimAndProcess(t, 3)

	got, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "analysis has no input image", *got.LastError)

	credit, err := env.store.GetUserCredit(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 2, credit.RemainingCredits)
	assert.Empty(t, env.client.Calls)
}

func TestProcessJobHighRiskNotifiesDoctor(t *testing.T) {
	ctx := context.Background()
	client := &mock.Client{
		PredictFunc: func(context.Context, uuid.UUID, []byte, string, string) (*models.PredictResponse, error) {
			res := mock.DefaultResponse()
			res.PredLabel = "glaucoma_suspect"
			res.PredConf = 0.82
			return res, nil
		},
	}
	env := newTestEnv(t, client)

	ownerID := uuid.New()
	doctorID := uuid.New()
	analysisID, _ := env.seedAnalysis(t, ownerID, &doctorID)

	env.claimAndProcess(t, 3)

	analysis, err := env.store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	require.NotNil(t, analysis.RiskLevel)
	assert.Equal(t, models.RiskHigh, *analysis.RiskLevel)

	// Doctor alerted first, then the owner's completion notice.
	require.Len(t, env.store.Notifications, 2)
	assert.Equal(t, doctorID, env.store.Notifications[0].UserID)
	assert.Equal(t, ownerID, env.store.Notifications[1].UserID)
}

func TestProcessJobReviewedAnalysisIsNotTouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})

	ownerID := uuid.New()
	analysisID, jobID := env.seedAnalysis(t, ownerID, nil)
	require.NoError(t, env.store.SetAnalysisStatus(ctx, analysisID, models.AnalysisStatusReviewed, nil))

	env.claimAndProcess(t, 3)

	// The job still settles, but the reviewed analysis keeps its status.
	job, err := env.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	analysis, err := env.store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusReviewed, analysis.Status)
	assert.Nil(t, analysis.PredLabel)
	assert.Empty(t, env.store.Notifications)
}

func TestModelVersionFromSettings(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &mock.Client{})
	env.store.PutAISetting("model_version", []byte(`"2.3.1"`))

	ownerID := uuid.New()
	analysisID, _ := env.seedAnalysis(t, ownerID, nil)

	env.claimAndProcess(t, 3)

	analysis, err := env.store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	require.NotNil(t, analysis.AIVersion)
	assert.Equal(t, "2.3.1", *analysis.AIVersion)
}
