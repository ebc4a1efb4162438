package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-health/retina-pipeline/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, analysis_id, status, attempts, locked_at, last_error, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.AnalysisJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, analysis_id, status, attempts, locked_at, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.AnalysisID, job.Status, job.Attempts, job.LockedAt, job.LastError,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByAnalysisID(ctx context.Context, analysisID uuid.UUID) (*models.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE analysis_id = $1`, analysisID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by analysis: %w", err)
	}
	return j, nil
}

// ClaimNextQueuedJob claims the oldest QUEUED job in a single statement.
// FOR UPDATE SKIP LOCKED skips rows held by concurrent claims, so one slow
// claim never blocks the rest of the queue.
func (s *PostgresStore) ClaimNextQueuedJob(ctx context.Context) (*models.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE analysis_jobs
		SET status = 'RUNNING', locked_at = NOW(), attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM analysis_jobs
			WHERE status = 'QUEUED'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next queued job: %w", err)
	}
	return j, nil
}

var validJobTransitions = map[string][]string{
	models.JobStatusQueued:  {models.JobStatusRunning},
	models.JobStatusRunning: {models.JobStatusQueued, models.JobStatusCompleted, models.JobStatusFailed},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM analysis_jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	allowed := validJobTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid job status transition: %s -> %s: %w", currentStatus, status, ErrTerminalState)
	}

	lastError := params.LastError
	if status == models.JobStatusCompleted {
		lastError = nil
	}

	// The status predicate makes the transition check race-safe: if another
	// writer moved the row first, zero rows match.
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $2, last_error = $3, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, status, lastError, currentStatus)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s moved concurrently from %s: %w", id, currentStatus, ErrTerminalState)
	}
	return nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM analysis_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ReclaimStaleJobs returns RUNNING jobs whose lock is older than the
// threshold to QUEUED. Attempts are left untouched; the exhaustion check at
// the next claim bounds how often a crashing job can come back.
func (s *PostgresStore) ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = 'QUEUED', locked_at = NULL, last_error = 'stale lock reclaimed', updated_at = NOW()
		WHERE status = 'RUNNING'
		  AND locked_at IS NOT NULL
		  AND locked_at < NOW() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.AnalysisJob, error) {
	var j models.AnalysisJob
	err := row.Scan(&j.ID, &j.AnalysisID, &j.Status, &j.Attempts, &j.LockedAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Analyses ---

const analysisColumns = `id, owner_id, assigned_doctor_id, status, original_file_id,
	pred_label, pred_conf, probs_json, risk_level, advice_json, ai_version, thresholds_json,
	overlay_file_id, mask_file_id, heatmap_file_id, heatmap_overlay_file_id,
	error_message, created_at, updated_at`

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analyses (id, owner_id, assigned_doctor_id, status, original_file_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.OwnerID, a.AssignedDoctorID, a.Status, a.OriginalFileID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return a, nil
}

// SetAnalysisStatus updates status and error message. REVIEWED rows are a
// one-way escape owned by the doctor-review path; a write against one
// returns ErrTerminalState and changes nothing.
func (s *PostgresStore) SetAnalysisStatus(ctx context.Context, id uuid.UUID, status string, errorMessage *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status <> 'REVIEWED'`,
		id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("set analysis status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM analyses WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get analysis status: %w", err)
		}
		return fmt.Errorf("analysis %s is %s: %w", id, current, ErrTerminalState)
	}
	return nil
}

// ApplyAnalysisResult writes the inference result and registers the produced
// artifacts in one transaction, so readers never see a half-applied result.
func (s *PostgresStore) ApplyAnalysisResult(ctx context.Context, id uuid.UUID, res ResultUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply result: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	registerArtifact := func(a *ArtifactFile) (*uuid.UUID, error) {
		if a == nil || a.ObjectKey == "" {
			return nil, nil
		}
		fileID := uuid.New()
		_, err := tx.Exec(ctx,
			`INSERT INTO stored_files (id, bucket, object_key, content_type, size_bytes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			fileID, a.Bucket, a.ObjectKey, a.ContentType, a.SizeBytes, now)
		if err != nil {
			return nil, fmt.Errorf("register artifact %s: %w", a.ObjectKey, err)
		}
		return &fileID, nil
	}

	overlayID, err := registerArtifact(res.Overlay)
	if err != nil {
		return err
	}
	maskID, err := registerArtifact(res.Mask)
	if err != nil {
		return err
	}
	heatmapID, err := registerArtifact(res.Heatmap)
	if err != nil {
		return err
	}
	heatmapOverlayID, err := registerArtifact(res.HeatmapOverlay)
	if err != nil {
		return err
	}

	// File id columns are only touched for artifacts that were produced.
	sets := []string{
		"status = 'COMPLETED'", "error_message = NULL",
		"pred_label = $2", "pred_conf = $3", "probs_json = $4",
		"risk_level = $5", "advice_json = $6", "ai_version = $7", "thresholds_json = $8",
		"updated_at = NOW()",
	}
	args := []any{id, res.PredLabel, res.PredConf, res.ProbsJSON,
		res.RiskLevel, res.AdviceJSON, res.AIVersion, res.ThresholdsJSON}
	argIdx := 9

	for _, fc := range []struct {
		column string
		fileID *uuid.UUID
	}{
		{"overlay_file_id", overlayID},
		{"mask_file_id", maskID},
		{"heatmap_file_id", heatmapID},
		{"heatmap_overlay_file_id", heatmapOverlayID},
	} {
		if fc.fileID != nil {
			sets = append(sets, fmt.Sprintf("%s = $%d", fc.column, argIdx))
			args = append(args, *fc.fileID)
			argIdx++
		}
	}

	query := fmt.Sprintf(
		`UPDATE analyses SET %s WHERE id = $1 AND status <> 'REVIEWED'`,
		strings.Join(sets, ", "))

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply analysis result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis %s not updatable: %w", id, ErrTerminalState)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply result: %w", err)
	}
	return nil
}

func scanAnalysis(row pgx.Row) (*models.Analysis, error) {
	var a models.Analysis
	err := row.Scan(&a.ID, &a.OwnerID, &a.AssignedDoctorID, &a.Status, &a.OriginalFileID,
		&a.PredLabel, &a.PredConf, &a.ProbsJSON, &a.RiskLevel, &a.AdviceJSON,
		&a.AIVersion, &a.ThresholdsJSON,
		&a.OverlayFileID, &a.MaskFileID, &a.HeatmapFileID, &a.HeatmapOverlayFileID,
		&a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Credits ---

const debitQuery = `
	UPDATE user_credits
	SET remaining_credits = remaining_credits - $2,
	    total_used = total_used + $2,
	    updated_at = NOW()
	WHERE user_id = $1 AND remaining_credits >= $2`

func (s *PostgresStore) DebitCredits(ctx context.Context, userID uuid.UUID, amount int) error {
	tag, err := s.pool.Exec(ctx, debitQuery, userID, amount)
	if err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

func (s *PostgresStore) CreditCredits(ctx context.Context, userID uuid.UUID, amount int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_credits (user_id, remaining_credits, total_used, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
		  remaining_credits = user_credits.remaining_credits + EXCLUDED.remaining_credits,
		  updated_at = NOW()`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("credit credits: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserCredit(ctx context.Context, userID uuid.UUID) (*models.UserCredit, error) {
	var c models.UserCredit
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, remaining_credits, total_used, updated_at FROM user_credits WHERE user_id = $1`,
		userID,
	).Scan(&c.UserID, &c.RemainingCredits, &c.TotalUsed, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user credit: %w", err)
	}
	return &c, nil
}

// --- Stored files ---

func (s *PostgresStore) CreateStoredFile(ctx context.Context, f *models.StoredFile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stored_files (id, bucket, object_key, content_type, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.Bucket, f.ObjectKey, f.ContentType, f.SizeBytes, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create stored file: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStoredFile(ctx context.Context, id uuid.UUID) (*models.StoredFile, error) {
	var f models.StoredFile
	err := s.pool.QueryRow(ctx,
		`SELECT id, bucket, object_key, content_type, size_bytes, created_at FROM stored_files WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.Bucket, &f.ObjectKey, &f.ContentType, &f.SizeBytes, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stored file: %w", err)
	}
	return &f, nil
}

// --- Notifications ---

func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, title, message, type, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Title, n.Message, n.Type, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotificationTemplate(ctx context.Context, key string) (*models.NotificationTemplate, error) {
	var t models.NotificationTemplate
	err := s.pool.QueryRow(ctx,
		`SELECT id, template_key, title_template, message_template, type, active, created_at, updated_at
		 FROM notification_templates WHERE template_key = $1 AND active`, key,
	).Scan(&t.ID, &t.TemplateKey, &t.TitleTemplate, &t.MessageTemplate, &t.Type, &t.Active,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification template: %w", err)
	}
	return &t, nil
}

// --- AI settings ---

func (s *PostgresStore) GetAISetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT value_json FROM ai_settings WHERE setting_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ai setting: %w", err)
	}
	return value, nil
}

// --- Submission ---

// CreateSubmission debits one credit per upload and creates the stored file,
// analysis and job rows for each, all inside one transaction. The ledger
// debit rolls back with everything else, so a failed submission never
// consumes credits.
func (s *PostgresStore) CreateSubmission(ctx context.Context, ownerID uuid.UUID, assignedDoctorID *uuid.UUID, uploads []SubmissionFile) ([]*models.Analysis, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("create submission: no uploads")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, debitQuery, ownerID, len(uploads))
	if err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrInsufficientCredits
	}

	now := time.Now().UTC()
	analyses := make([]*models.Analysis, 0, len(uploads))

	for _, up := range uploads {
		fileID := uuid.New()
		_, err := tx.Exec(ctx,
			`INSERT INTO stored_files (id, bucket, object_key, content_type, size_bytes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			fileID, up.Bucket, up.ObjectKey, up.ContentType, up.SizeBytes, now)
		if err != nil {
			return nil, fmt.Errorf("create stored file: %w", err)
		}

		a := &models.Analysis{
			ID:               uuid.New(),
			OwnerID:          ownerID,
			AssignedDoctorID: assignedDoctorID,
			Status:           models.AnalysisStatusQueued,
			OriginalFileID:   &fileID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO analyses (id, owner_id, assigned_doctor_id, status, original_file_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.OwnerID, a.AssignedDoctorID, a.Status, a.OriginalFileID, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("create analysis: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO analysis_jobs (id, analysis_id, status, attempts, created_at, updated_at)
			 VALUES ($1, $2, 'QUEUED', 0, $3, $4)`,
			uuid.New(), a.ID, now, now)
		if err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}

		analyses = append(analyses, a)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit submission: %w", err)
	}
	return analyses, nil
}
