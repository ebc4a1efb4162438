package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string][]byte)}
}

var _ ObjectStore = (*MemoryStore)(nil)

func (s *MemoryStore) Bucket() string { return s.bucket }

func (s *MemoryStore) PutBytes(_ context.Context, objectKey string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[objectKey] = cp
	return nil
}

func (s *MemoryStore) GetBytes(_ context.Context, objectKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", objectKey, ErrObjectNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) PresignGet(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[objectKey]; !ok {
		return "", fmt.Errorf("presign %s: %w", objectKey, ErrObjectNotFound)
	}
	return "memory://" + s.bucket + "/" + objectKey, nil
}
