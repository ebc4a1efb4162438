package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/pkg/models"
)

// MemoryStore is an in-memory Store used by tests. It reproduces the
// Postgres implementation's semantics — single-claimer dequeue, transition
// guards, all-or-nothing debits — behind one mutex.
type MemoryStore struct {
	mu sync.Mutex

	jobs      map[uuid.UUID]*models.AnalysisJob
	analyses  map[uuid.UUID]*models.Analysis
	files     map[uuid.UUID]*models.StoredFile
	credits   map[uuid.UUID]*models.UserCredit
	templates map[string]*models.NotificationTemplate
	settings  map[string]json.RawMessage

	// Notifications are appended in order so tests can assert on them.
	Notifications []*models.Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[uuid.UUID]*models.AnalysisJob),
		analyses:  make(map[uuid.UUID]*models.Analysis),
		files:     make(map[uuid.UUID]*models.StoredFile),
		credits:   make(map[uuid.UUID]*models.UserCredit),
		templates: make(map[string]*models.NotificationTemplate),
		settings:  make(map[string]json.RawMessage),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) GetJobByAnalysisID(_ context.Context, analysisID uuid.UUID) (*models.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.AnalysisID == analysisID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ClaimNextQueuedJob(context.Context) (*models.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*models.AnalysisJob
	for _, j := range s.jobs {
		if j.Status == models.JobStatusQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, k int) bool {
		return queued[i].CreatedAt.Before(queued[k].CreatedAt)
	})

	j := queued[0]
	now := time.Now().UTC()
	j.Status = models.JobStatusRunning
	j.LockedAt = &now
	j.Attempts++
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}

	valid := false
	for _, a := range validJobTransitions[j.Status] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid job status transition: %s -> %s: %w", j.Status, status, ErrTerminalState)
	}

	j.Status = status
	j.LockedAt = nil
	if status == models.JobStatusCompleted {
		j.LastError = nil
	} else {
		j.LastError = params.LastError
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CountJobsByStatus(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ReclaimStaleJobs(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	msg := "stale lock reclaimed"
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = models.JobStatusQueued
			j.LockedAt = nil
			j.LastError = &msg
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// BackdateJobLock shifts a RUNNING job's locked_at into the past so tests
// can exercise stale-lock reclaim.
func (s *MemoryStore) BackdateJobLock(id uuid.UUID, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.LockedAt != nil {
		past := j.LockedAt.Add(-by)
		j.LockedAt = &past
	}
}

// --- Analyses ---

func (s *MemoryStore) CreateAnalysis(_ context.Context, a *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.analyses[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAnalysis(_ context.Context, id uuid.UUID) (*models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) SetAnalysisStatus(_ context.Context, id uuid.UUID, status string, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status == models.AnalysisStatusReviewed {
		return fmt.Errorf("analysis %s is REVIEWED: %w", id, ErrTerminalState)
	}
	a.Status = status
	a.ErrorMessage = errorMessage
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ApplyAnalysisResult(_ context.Context, id uuid.UUID, res ResultUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status == models.AnalysisStatusReviewed {
		return fmt.Errorf("analysis %s is REVIEWED: %w", id, ErrTerminalState)
	}

	register := func(af *ArtifactFile) *uuid.UUID {
		if af == nil || af.ObjectKey == "" {
			return nil
		}
		fileID := uuid.New()
		s.files[fileID] = &models.StoredFile{
			ID:          fileID,
			Bucket:      af.Bucket,
			ObjectKey:   af.ObjectKey,
			ContentType: af.ContentType,
			SizeBytes:   af.SizeBytes,
			CreatedAt:   time.Now().UTC(),
		}
		return &fileID
	}

	a.PredLabel = &res.PredLabel
	a.PredConf = &res.PredConf
	a.ProbsJSON = res.ProbsJSON
	a.RiskLevel = &res.RiskLevel
	a.AdviceJSON = res.AdviceJSON
	a.AIVersion = &res.AIVersion
	a.ThresholdsJSON = res.ThresholdsJSON
	if id := register(res.Overlay); id != nil {
		a.OverlayFileID = id
	}
	if id := register(res.Mask); id != nil {
		a.MaskFileID = id
	}
	if id := register(res.Heatmap); id != nil {
		a.HeatmapFileID = id
	}
	if id := register(res.HeatmapOverlay); id != nil {
		a.HeatmapOverlayFileID = id
	}
	a.Status = models.AnalysisStatusCompleted
	a.ErrorMessage = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Credits ---

func (s *MemoryStore) DebitCredits(_ context.Context, userID uuid.UUID, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(userID, amount)
}

func (s *MemoryStore) debitLocked(userID uuid.UUID, amount int) error {
	c, ok := s.credits[userID]
	if !ok || c.RemainingCredits < amount {
		return ErrInsufficientCredits
	}
	c.RemainingCredits -= amount
	c.TotalUsed += amount
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreditCredits(_ context.Context, userID uuid.UUID, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[userID]
	if !ok {
		c = &models.UserCredit{UserID: userID}
		s.credits[userID] = c
	}
	c.RemainingCredits += amount
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetUserCredit(_ context.Context, userID uuid.UUID) (*models.UserCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// --- Stored files ---

func (s *MemoryStore) CreateStoredFile(_ context.Context, f *models.StoredFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.files[f.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStoredFile(_ context.Context, id uuid.UUID) (*models.StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// --- Notifications ---

func (s *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.Notifications = append(s.Notifications, &cp)
	return nil
}

func (s *MemoryStore) GetNotificationTemplate(_ context.Context, key string) (*models.NotificationTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[key]
	if !ok || !t.Active {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// PutNotificationTemplate seeds a template for tests.
func (s *MemoryStore) PutNotificationTemplate(t *models.NotificationTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.templates[t.TemplateKey] = &cp
}

// --- AI settings ---

func (s *MemoryStore) GetAISetting(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// PutAISetting seeds a setting for tests.
func (s *MemoryStore) PutAISetting(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

// --- Submission ---

func (s *MemoryStore) CreateSubmission(_ context.Context, ownerID uuid.UUID, assignedDoctorID *uuid.UUID, uploads []SubmissionFile) ([]*models.Analysis, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("create submission: no uploads")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.debitLocked(ownerID, len(uploads)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	analyses := make([]*models.Analysis, 0, len(uploads))
	for _, up := range uploads {
		fileID := uuid.New()
		s.files[fileID] = &models.StoredFile{
			ID:          fileID,
			Bucket:      up.Bucket,
			ObjectKey:   up.ObjectKey,
			ContentType: up.ContentType,
			SizeBytes:   up.SizeBytes,
			CreatedAt:   now,
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
		s.analyses[a.ID] = a

		jobID := uuid.New()
		s.jobs[jobID] = &models.AnalysisJob{
			ID:         jobID,
			AnalysisID: a.ID,
			Status:     models.JobStatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		cp := *a
		analyses = append(analyses, &cp)
	}
	return analyses, nil
}
