package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/pkg/models"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTerminalState       = errors.New("record is in a terminal state")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Jobs. ClaimNextQueuedJob atomically claims the oldest QUEUED job:
	// status RUNNING, locked_at now, attempts incremented. Two concurrent
	// callers never receive the same row. Returns (nil, nil) when the queue
	// is empty.
	CreateJob(ctx context.Context, job *models.AnalysisJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.AnalysisJob, error)
	GetJobByAnalysisID(ctx context.Context, analysisID uuid.UUID) (*models.AnalysisJob, error)
	ClaimNextQueuedJob(ctx context.Context) (*models.AnalysisJob, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)
	ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)

	// Analyses. Status writers never overwrite REVIEWED.
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error)
	SetAnalysisStatus(ctx context.Context, id uuid.UUID, status string, errorMessage *string) error
	ApplyAnalysisResult(ctx context.Context, id uuid.UUID, res ResultUpdate) error

	// Credits. DebitCredits is all-or-nothing: a debit that would overdraw
	// returns ErrInsufficientCredits and mutates nothing.
	DebitCredits(ctx context.Context, userID uuid.UUID, amount int) error
	CreditCredits(ctx context.Context, userID uuid.UUID, amount int) error
	GetUserCredit(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error)

	// Stored files.
	CreateStoredFile(ctx context.Context, f *models.StoredFile) error
	GetStoredFile(ctx context.Context, id uuid.UUID) (*models.StoredFile, error)

	// Notifications.
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotificationTemplate(ctx context.Context, key string) (*models.NotificationTemplate, error)

	// AI settings.
	GetAISetting(ctx context.Context, key string) (json.RawMessage, error)

	// CreateSubmission runs the intake transaction: debit one credit per
	// upload, then insert the stored file, analysis and job rows. Everything
	// rolls back together, including the debit.
	CreateSubmission(ctx context.Context, ownerID uuid.UUID, assignedDoctorID *uuid.UUID, uploads []SubmissionFile) ([]*models.Analysis, error)
}

// SubmissionFile describes one already-uploaded original image.
type SubmissionFile struct {
	Bucket      string
	ObjectKey   string
	ContentType string
	SizeBytes   int64
}

// ArtifactFile describes one artifact the inference service produced.
type ArtifactFile struct {
	Bucket      string
	ObjectKey   string
	ContentType string
	SizeBytes   int64
}

// ResultUpdate carries a successful inference result onto an analysis.
// Artifact fields left nil are not registered.
type ResultUpdate struct {
	PredLabel      string
	PredConf       float64
	ProbsJSON      json.RawMessage
	RiskLevel      string
	AdviceJSON     json.RawMessage
	AIVersion      string
	ThresholdsJSON json.RawMessage

	Overlay        *ArtifactFile
	Mask           *ArtifactFile
	Heatmap        *ArtifactFile
	HeatmapOverlay *ArtifactFile
}

type jobUpdateParams struct {
	LastError *string
}

type JobUpdateOption func(*jobUpdateParams)

// WithJobError records a failure reason on the job row.
func WithJobError(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.LastError = &msg
	}
}
