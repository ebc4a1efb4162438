// Package intake handles submission of retinal images for analysis.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/storage"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Upload is one image submitted for analysis.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Service accepts uploads and opens one analysis plus one queued job per
// image. Submission costs one credit per image, debited up front in the
// same transaction that creates the rows.
type Service struct {
	store   store.Store
	objects storage.ObjectStore
	logger  *slog.Logger
}

func NewService(st store.Store, objects storage.ObjectStore, logger *slog.Logger) *Service {
	return &Service{store: st, objects: objects, logger: logger}
}

// Submit uploads the images to the blob store, then runs the intake
// transaction: debit, stored-file rows, analyses, jobs. An insufficient
// balance surfaces as store.ErrInsufficientCredits with nothing persisted
// to the database.
func (s *Service) Submit(ctx context.Context, ownerID uuid.UUID, assignedDoctorID *uuid.UUID, uploads []Upload) ([]*models.Analysis, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("submit: no images provided")
	}

	files := make([]store.SubmissionFile, 0, len(uploads))
	for _, up := range uploads {
		objectKey := fmt.Sprintf("uploads/%s-%s", uuid.New(), sanitizeFilename(up.Filename))
		if err := s.objects.PutBytes(ctx, objectKey, up.Data, up.ContentType); err != nil {
			return nil, fmt.Errorf("uploading %s: %w", up.Filename, err)
		}
		files = append(files, store.SubmissionFile{
			Bucket:      s.objects.Bucket(),
			ObjectKey:   objectKey,
			ContentType: up.ContentType,
			SizeBytes:   int64(len(up.Data)),
		})
	}

	analyses, err := s.store.CreateSubmission(ctx, ownerID, assignedDoctorID, files)
	if err != nil {
		// The uploaded objects are orphaned at this point; they are
		// harmless and cheap, so they are left for a bucket lifecycle
		// rule rather than deleted inline.
		return nil, err
	}

	s.logger.Info("submission accepted", "owner_id", ownerID, "images", len(uploads))
	return analyses, nil
}

// sanitizeFilename strips path separators and whitespace so user-supplied
// names can't steer the object key.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, " ", "_")
	if name == "" {
		name = "image"
	}
	return name
}
