// Package mock provides an InferenceClient for testing.
package mock

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Client satisfies models.InferenceClient for testing.
type Client struct {
	PredictFunc func(ctx context.Context, analysisID uuid.UUID, image []byte, filename, contentType string) (*models.PredictResponse, error)

	// Calls records every invocation's analysis id, in order.
	Calls []uuid.UUID
}

func (m *Client) Predict(ctx context.Context, analysisID uuid.UUID, image []byte, filename, contentType string) (*models.PredictResponse, error) {
	m.Calls = append(m.Calls, analysisID)
	if m.PredictFunc != nil {
		return m.PredictFunc(ctx, analysisID, image, filename, contentType)
	}
	return DefaultResponse(), nil
}

var _ models.InferenceClient = (*Client)(nil)

// DefaultResponse returns a plausible successful prediction.
func DefaultResponse() *models.PredictResponse {
	return &models.PredictResponse{
		PredLabel:       "normal",
		PredConf:        0.93,
		Probs:           json.RawMessage(`{"normal":0.93,"diabetic_retinopathy":0.05,"glaucoma":0.02}`),
		VesselThreshold: 0.5,
		Artifacts: &models.Artifacts{
			OverlayKey:  "artifacts/overlay.png",
			OverlaySize: 2048,
			MaskKey:     "artifacts/mask.png",
			MaskSize:    1024,
		},
	}
}

// NewFailing returns a Client that always returns the given error.
func NewFailing(err error) *Client {
	return &Client{
		PredictFunc: func(context.Context, uuid.UUID, []byte, string, string) (*models.PredictResponse, error) {
			return nil, err
		},
	}
}

// NewScripted returns a Client that pops one response (or error) per call,
// repeating the last entry once the script runs out.
func NewScripted(script ...func() (*models.PredictResponse, error)) *Client {
	i := 0
	return &Client{
		PredictFunc: func(context.Context, uuid.UUID, []byte, string, string) (*models.PredictResponse, error) {
			step := script[i]
			if i < len(script)-1 {
				i++
			}
			return step()
		},
	}
}
