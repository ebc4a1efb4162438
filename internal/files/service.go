// Package files joins the stored-file registry in the database with the blob
// store holding the bytes.
package files

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/storage"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Service registers artifacts and fetches input bytes for the pipeline.
type Service struct {
	store         store.Store
	objects       storage.ObjectStore
	presignExpiry time.Duration
}

// NewService creates a files Service.
func NewService(st store.Store, objects storage.ObjectStore, presignExpiry time.Duration) *Service {
	return &Service{store: st, objects: objects, presignExpiry: presignExpiry}
}

// Bucket returns the blob-store bucket artifacts live in.
func (s *Service) Bucket() string {
	return s.objects.Bucket()
}

// Get returns the stored-file metadata for an id.
func (s *Service) Get(ctx context.Context, fileID uuid.UUID) (*models.StoredFile, error) {
	return s.store.GetStoredFile(ctx, fileID)
}

// FetchBytes downloads the object a stored-file row points at.
func (s *Service) FetchBytes(ctx context.Context, fileID uuid.UUID) ([]byte, error) {
	f, err := s.store.GetStoredFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("fetch file %s: %w", fileID, err)
	}
	data, err := s.objects.GetBytes(ctx, f.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("fetch file %s: %w", fileID, err)
	}
	return data, nil
}

// Upload writes bytes to the blob store and registers the stored-file row.
func (s *Service) Upload(ctx context.Context, objectKey string, data []byte, contentType string) (*models.StoredFile, error) {
	if err := s.objects.PutBytes(ctx, objectKey, data, contentType); err != nil {
		return nil, err
	}

	f := &models.StoredFile{
		ID:          uuid.New(),
		Bucket:      s.objects.Bucket(),
		ObjectKey:   objectKey,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateStoredFile(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Register records an object the inference service already wrote to the
// bucket. No bytes move; only the metadata row is created.
func (s *Service) Register(ctx context.Context, objectKey, contentType string, sizeBytes int64) (*models.StoredFile, error) {
	f := &models.StoredFile{
		ID:          uuid.New(),
		Bucket:      s.objects.Bucket(),
		ObjectKey:   objectKey,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateStoredFile(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// PresignedURL returns a time-limited download URL for a stored file.
func (s *Service) PresignedURL(ctx context.Context, fileID uuid.UUID) (string, error) {
	f, err := s.store.GetStoredFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	return s.objects.PresignGet(ctx, f.ObjectKey, s.presignExpiry)
}
