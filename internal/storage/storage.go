// Package storage provides the blob store adapter for input images and
// inference artifacts.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned when a requested object key does not exist
// in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the blob store contract. The pipeline only ever moves whole
// byte slices; artifacts are small PNGs and fundus images.
type ObjectStore interface {
	PutBytes(ctx context.Context, objectKey string, data []byte, contentType string) error
	GetBytes(ctx context.Context, objectKey string) ([]byte, error)
	PresignGet(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	Bucket() string
}
