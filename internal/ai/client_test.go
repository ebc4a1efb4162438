package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-health/retina-pipeline/internal/config"
)

func newTestClient(baseURL string, timeout time.Duration) *Client {
	return NewClient(config.AIConfig{BaseURL: baseURL, Timeout: timeout})
}

func TestPredictSuccess(t *testing.T) {
	analysisID := uuid.New()
	image := []byte("fake png bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/predict", r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, analysisID.String(), r.FormValue("analysis_id"))

		f, fh, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "fundus.png", fh.Filename)
		assert.Equal(t, "image/png", fh.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"pred_label": "glaucoma",
			"pred_conf": 0.81,
			"probs": {"glaucoma": 0.81, "normal": 0.19},
			"vessel_threshold": 0.5,
			"artifacts": {
				"overlay_key": "artifacts/ov.png",
				"overlay_size": 1234,
				"mask_key": "artifacts/mask.png",
				"mask_size": 999
			}
		}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second)
	res, err := client.Predict(context.Background(), analysisID, image, "fundus.png", "image/png")
	require.NoError(t, err)

	assert.Equal(t, "glaucoma", res.PredLabel)
	assert.InDelta(t, 0.81, res.PredConf, 1e-9)
	assert.InDelta(t, 0.5, res.VesselThreshold, 1e-9)
	require.NotNil(t, res.Artifacts)
	assert.Equal(t, "artifacts/ov.png", res.Artifacts.OverlayKey)
	assert.Equal(t, int64(1234), res.Artifacts.OverlaySize)
	assert.Equal(t, "artifacts/mask.png", res.Artifacts.MaskKey)
	assert.Empty(t, res.Artifacts.HeatmapKey)
}

func TestPredictNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second)
	_, err := client.Predict(context.Background(), uuid.New(), []byte("img"), "a.png", "image/png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInferenceFailed)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestPredictTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 50*time.Millisecond)
	_, err := client.Predict(context.Background(), uuid.New(), []byte("img"), "a.png", "image/png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInferenceTimeout)
}

func TestPredictBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second)
	_, err := client.Predict(context.Background(), uuid.New(), []byte("img"), "a.png", "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode predict response")
}

func TestGuessFilename(t *testing.T) {
	assert.Equal(t, "abc-fundus.png", GuessFilename("uploads/abc-fundus.png", "image/png"))
	assert.Equal(t, "plain.jpg", GuessFilename("plain.jpg", "image/jpeg"))
	assert.Equal(t, "upload.png", GuessFilename("uploads/", "image/png"))
	assert.Equal(t, "upload.jpg", GuessFilename("", "image/jpeg"))
}
