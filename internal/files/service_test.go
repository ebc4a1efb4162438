package files

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-health/retina-pipeline/internal/storage"
	"github.com/aura-health/retina-pipeline/internal/store"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	objects := storage.NewMemoryStore("retina-test")
	return NewService(store.NewMemoryStore(), objects, time.Minute), objects
}

func TestUploadAndFetchBytes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	f, err := svc.Upload(ctx, "uploads/eye.png", []byte("png bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "retina-test", f.Bucket)
	assert.Equal(t, int64(9), f.SizeBytes)

	data, err := svc.FetchBytes(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)
}

func TestFetchBytesUnknownFile(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.FetchBytes(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFetchBytesMissingObject(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// Metadata exists but the object was never written.
	f, err := svc.Register(ctx, "artifacts/ghost.png", "image/png", 100)
	require.NoError(t, err)

	_, err = svc.FetchBytes(ctx, f.ID)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestPresignedURL(t *testing.T) {
	ctx := context.Background()
	svc, objects := newTestService(t)

	require.NoError(t, objects.PutBytes(ctx, "artifacts/ov.png", []byte("x"), "image/png"))
	f, err := svc.Register(ctx, "artifacts/ov.png", "image/png", 1)
	require.NoError(t, err)

	url, err := svc.PresignedURL(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "memory://retina-test/artifacts/ov.png", url)
}
