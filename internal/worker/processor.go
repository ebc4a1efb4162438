package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/ai"
	"github.com/aura-health/retina-pipeline/internal/billing"
	"github.com/aura-health/retina-pipeline/internal/cache"
	"github.com/aura-health/retina-pipeline/internal/files"
	"github.com/aura-health/retina-pipeline/internal/notify"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

const (
	defaultModelVersion  = "0.1.0"
	settingModelVersion  = "model_version"
	statusMirrorTTL      = 10 * time.Minute
	modelVersionCacheTTL = time.Hour
)

// Processor runs one claimed job end to end: fetch the input image, call
// inference, apply the result, settle the job row. It never returns an
// error to its caller; every failure is absorbed into job state so sibling
// jobs and the dispatcher tick are unaffected.
type Processor struct {
	store    store.Store
	files    *files.Service
	ai       models.InferenceClient
	ledger   *billing.Ledger
	notifier *notify.Service
	cache    cache.Cache // optional; nil disables the status mirror
	logger   *slog.Logger
}

func NewProcessor(st store.Store, fs *files.Service, client models.InferenceClient, ledger *billing.Ledger, notifier *notify.Service, c cache.Cache, logger *slog.Logger) *Processor {
	return &Processor{
		store:    st,
		files:    fs,
		ai:       client,
		ledger:   ledger,
		notifier: notifier,
		cache:    c,
		logger:   logger,
	}
}

// ProcessJob executes the job identified by jobID. The job must already be
// claimed (RUNNING, attempts incremented) by the coordinator.
func (p *Processor) ProcessJob(ctx context.Context, jobID uuid.UUID, maxAttempts int) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("failed to load job", "job_id", jobID, "error", err)
		}
		return
	}

	logger := p.logger.With("job_id", jobID, "analysis_id", job.AnalysisID, "attempt", job.Attempts)

	// The claim already incremented attempts, so a value past the budget
	// means the job has exhausted its retries. Fail without calling out.
	if job.Attempts > maxAttempts {
		logger.Warn("job exhausted its attempts")
		p.MarkFailed(ctx, jobID, "max attempts reached", true)
		return
	}

	analysis, err := p.store.GetAnalysis(ctx, job.AnalysisID)
	if err != nil {
		logger.Error("failed to load analysis for job", "error", err)
		if uerr := p.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, store.WithJobError("analysis record missing")); uerr != nil {
			logger.Error("failed to fail job", "error", uerr)
		}
		return
	}

	p.setAnalysisStatus(ctx, analysis.ID, models.AnalysisStatusRunning, nil)

	if analysis.OriginalFileID == nil {
		logger.Warn("analysis has no input image reference")
		p.MarkFailed(ctx, jobID, "analysis has no input image", true)
		return
	}

	meta, err := p.files.Get(ctx, *analysis.OriginalFileID)
	if err != nil {
		p.retryOrFail(ctx, jobID, maxAttempts, fmt.Sprintf("loading input file metadata: %v", err))
		return
	}
	image, err := p.files.FetchBytes(ctx, *analysis.OriginalFileID)
	if err != nil {
		p.retryOrFail(ctx, jobID, maxAttempts, fmt.Sprintf("fetching input image: %v", err))
		return
	}

	res, err := p.ai.Predict(ctx, analysis.ID, image, ai.GuessFilename(meta.ObjectKey, meta.ContentType), meta.ContentType)
	if err != nil {
		p.retryOrFail(ctx, jobID, maxAttempts, fmt.Sprintf("inference: %v", err))
		return
	}

	risk := ComputeRiskLevel(res.PredLabel, res.PredConf)
	adviceJSON, _ := json.Marshal(AdviceFor(risk))
	thresholdsJSON, _ := json.Marshal(map[string]float64{"vessel_threshold": res.VesselThreshold})

	update := store.ResultUpdate{
		PredLabel:      res.PredLabel,
		PredConf:       res.PredConf,
		ProbsJSON:      res.Probs,
		RiskLevel:      risk,
		AdviceJSON:     adviceJSON,
		AIVersion:      p.modelVersion(ctx),
		ThresholdsJSON: thresholdsJSON,
	}
	if res.Artifacts != nil {
		bucket := p.files.Bucket()
		update.Overlay = artifactFile(bucket, res.Artifacts.OverlayKey, res.Artifacts.OverlaySize)
		update.Mask = artifactFile(bucket, res.Artifacts.MaskKey, res.Artifacts.MaskSize)
		update.Heatmap = artifactFile(bucket, res.Artifacts.HeatmapKey, res.Artifacts.HeatmapSize)
		update.HeatmapOverlay = artifactFile(bucket, res.Artifacts.HeatmapOverlayKey, res.Artifacts.HeatmapOverlaySize)
	}

	if err := p.store.ApplyAnalysisResult(ctx, analysis.ID, update); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			// The doctor reviewed this analysis while the job was in
			// flight. Their verdict wins; the computed result is dropped.
			logger.Warn("analysis already reviewed, discarding result")
			if uerr := p.store.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted); uerr != nil {
				logger.Error("failed to complete job", "error", uerr)
			}
			return
		}
		p.retryOrFail(ctx, jobID, maxAttempts, fmt.Sprintf("applying result: %v", err))
		return
	}
	p.mirrorStatus(ctx, analysis.ID, models.AnalysisStatusCompleted)

	if risk == models.RiskHigh && analysis.AssignedDoctorID != nil {
		p.notifier.Send(ctx, *analysis.AssignedDoctorID, models.TemplateHighRiskAlert, map[string]string{
			"analysisId": analysis.ID.String(),
			"patientId":  analysis.OwnerID.String(),
		})
	}

	if err := p.store.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted); err != nil {
		logger.Error("failed to complete job", "error", err)
		return
	}
	logger.Info("job completed", "pred_label", res.PredLabel, "risk_level", risk)

	p.notifier.Send(ctx, analysis.OwnerID, models.TemplateAnalysisDone, map[string]string{
		"analysisId": analysis.ID.String(),
	})
}

// retryOrFail decides the fate of a failed job. Attempts are re-read fresh
// because another process may have reclaimed and retried the job meanwhile.
func (p *Processor) retryOrFail(ctx context.Context, jobID uuid.UUID, maxAttempts int, errMsg string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error("failed to re-read job after error", "job_id", jobID, "error", err)
		return
	}
	if job.Attempts >= maxAttempts {
		p.MarkFailed(ctx, jobID, errMsg, true)
		return
	}
	p.Requeue(ctx, jobID, errMsg)
}

// Requeue puts a RUNNING job back on the queue with its failure reason.
// Attempts and the credit ledger are untouched.
func (p *Processor) Requeue(ctx context.Context, jobID uuid.UUID, errMsg string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error("failed to load job for requeue", "job_id", jobID, "error", err)
		return
	}
	if err := p.store.UpdateJobStatus(ctx, jobID, models.JobStatusQueued, store.WithJobError(errMsg)); err != nil {
		p.logger.Error("failed to requeue job", "job_id", jobID, "error", err)
		return
	}
	p.logger.Warn("job requeued", "job_id", jobID, "analysis_id", job.AnalysisID, "last_error", errMsg)
	p.setAnalysisStatus(ctx, job.AnalysisID, models.AnalysisStatusQueued, &errMsg)
}

// MarkFailed terminates a job permanently. The refund is issued only when
// the RUNNING -> FAILED transition succeeds, so a job can never be refunded
// twice.
func (p *Processor) MarkFailed(ctx context.Context, jobID uuid.UUID, errMsg string, refund bool) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Error("failed to load job for failure", "job_id", jobID, "error", err)
		return
	}
	if err := p.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, store.WithJobError(errMsg)); err != nil {
		p.logger.Error("failed to fail job", "job_id", jobID, "error", err)
		return
	}
	p.logger.Error("job failed permanently", "job_id", jobID, "analysis_id", job.AnalysisID, "last_error", errMsg)

	analysis, err := p.store.GetAnalysis(ctx, job.AnalysisID)
	if err != nil {
		p.logger.Error("failed to load analysis for failed job", "job_id", jobID, "error", err)
		return
	}
	p.setAnalysisStatus(ctx, analysis.ID, models.AnalysisStatusFailed, &errMsg)

	if refund {
		if err := p.ledger.Refund(ctx, analysis.OwnerID, 1); err != nil {
			p.logger.Error("failed to refund credit", "analysis_id", analysis.ID, "owner_id", analysis.OwnerID, "error", err)
		}
	}

	p.notifier.Send(ctx, analysis.OwnerID, models.TemplateAnalysisFailed, map[string]string{
		"analysisId": analysis.ID.String(),
		"error":      errMsg,
	})
}

// setAnalysisStatus writes the analysis status and refreshes the cache
// mirror. A REVIEWED analysis is left alone.
func (p *Processor) setAnalysisStatus(ctx context.Context, analysisID uuid.UUID, status string, errorMessage *string) {
	err := p.store.SetAnalysisStatus(ctx, analysisID, status, errorMessage)
	switch {
	case errors.Is(err, store.ErrTerminalState):
		p.logger.Warn("analysis already reviewed, leaving status untouched", "analysis_id", analysisID)
		return
	case err != nil:
		p.logger.Error("failed to update analysis status", "analysis_id", analysisID, "status", status, "error", err)
		return
	}
	p.mirrorStatus(ctx, analysisID, status)
}

// mirrorStatus refreshes the Redis snapshot of the analysis status.
// Best-effort only.
func (p *Processor) mirrorStatus(ctx context.Context, analysisID uuid.UUID, status string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetAnalysisStatus(ctx, analysisID, status, statusMirrorTTL); err != nil {
		p.logger.Warn("failed to mirror analysis status to cache", "analysis_id", analysisID, "error", err)
	}
}

// modelVersion resolves the version stamp for applied results, cache first,
// then the ai_settings row, falling back to the built-in default.
func (p *Processor) modelVersion(ctx context.Context) string {
	if p.cache != nil {
		if v, ok, err := p.cache.Get(ctx, cache.ModelVersionKey()); err == nil && ok && len(v) > 0 {
			return string(v)
		}
	}

	version := defaultModelVersion
	raw, err := p.store.GetAISetting(ctx, settingModelVersion)
	switch {
	case err == nil:
		var v string
		if jerr := json.Unmarshal(raw, &v); jerr == nil && v != "" {
			version = v
		}
	case !errors.Is(err, store.ErrNotFound):
		p.logger.Warn("failed to read model version setting", "error", err)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cache.ModelVersionKey(), []byte(version), modelVersionCacheTTL); err != nil {
			p.logger.Warn("failed to cache model version", "error", err)
		}
	}
	return version
}

func artifactFile(bucket, objectKey string, sizeBytes int64) *store.ArtifactFile {
	if objectKey == "" {
		return nil
	}
	return &store.ArtifactFile{
		Bucket:      bucket,
		ObjectKey:   objectKey,
		ContentType: "image/png",
		SizeBytes:   sizeBytes,
	}
}
