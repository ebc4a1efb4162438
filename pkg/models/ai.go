package models

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// InferenceClient is the contract for the external prediction service.
// Never call the HTTP client directly — always inject this interface.
type InferenceClient interface {
	// Predict runs inference on one image and returns the prediction plus any
	// artifacts the service wrote to the blob store.
	Predict(ctx context.Context, analysisID uuid.UUID, image []byte, filename, contentType string) (*PredictResponse, error)
}

// PredictResponse mirrors the inference service's /api/predict payload.
type PredictResponse struct {
	PredLabel       string          `json:"pred_label"`
	PredConf        float64         `json:"pred_conf"`
	Probs           json.RawMessage `json:"probs"`
	VesselThreshold float64         `json:"vessel_threshold"`
	Artifacts       *Artifacts      `json:"artifacts,omitempty"`
}

// Artifacts lists the object keys the inference service produced. Empty keys
// mean the artifact was not generated for this image.
type Artifacts struct {
	OverlayKey        string `json:"overlay_key"`
	MaskKey           string `json:"mask_key"`
	HeatmapKey        string `json:"heatmap_key"`
	HeatmapOverlayKey string `json:"heatmap_overlay_key"`

	OverlaySize        int64 `json:"overlay_size"`
	MaskSize           int64 `json:"mask_size"`
	HeatmapSize        int64 `json:"heatmap_size"`
	HeatmapOverlaySize int64 `json:"heatmap_overlay_size"`
}
