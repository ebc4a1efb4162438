package intake

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-health/retina-pipeline/internal/storage"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *storage.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore("retina-test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, objects, logger), st, objects
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	svc, st, objects := newTestService(t)

	ownerID := uuid.New()
	require.NoError(t, st.CreditCredits(ctx, ownerID, 3))

	analyses, err := svc.Submit(ctx, ownerID, nil, []Upload{
		{Filename: "left eye.png", ContentType: "image/png", Data: []byte("left")},
		{Filename: "right.png", ContentType: "image/png", Data: []byte("right")},
	})
	require.NoError(t, err)
	require.Len(t, analyses, 2)

	for _, a := range analyses {
		assert.Equal(t, models.AnalysisStatusQueued, a.Status)
		require.NotNil(t, a.OriginalFileID)

		f, err := st.GetStoredFile(ctx, *a.OriginalFileID)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(f.ObjectKey, "uploads/"), "object key %q", f.ObjectKey)
		assert.NotContains(t, f.ObjectKey, " ")

		data, err := objects.GetBytes(ctx, f.ObjectKey)
		require.NoError(t, err)
		assert.NotEmpty(t, data)

		job, err := st.GetJobByAnalysisID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, job.Status)
	}

	credit, err := st.GetUserCredit(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, credit.RemainingCredits)
}

func TestSubmitInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	ownerID := uuid.New()
	require.NoError(t, st.CreditCredits(ctx, ownerID, 1))

	_, err := svc.Submit(ctx, ownerID, nil, []Upload{
		{Filename: "a.png", ContentType: "image/png", Data: []byte("a")},
		{Filename: "b.png", ContentType: "image/png", Data: []byte("b")},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)

	credit, err := st.GetUserCredit(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, credit.RemainingCredits)
}

func TestSubmitNoUploads(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), uuid.New(), nil, nil)
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"fundus.png", "fundus.png"},
		{"my photo.png", "my_photo.png"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\eye.jpg`, "eye.jpg"},
		{"  trimmed.png ", "trimmed.png"},
		{"", "image"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.in), "input %q", tt.in)
	}
}
