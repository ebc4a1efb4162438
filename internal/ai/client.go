// Package ai contains the client for the external inference service.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/config"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

// Client calls the prediction service over HTTP. The timeout is enforced
// here, on the caller's side, so a hung inference backend can never pin a
// worker forever.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an inference client from config.
func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Predict posts the image as multipart form data to /api/predict and decodes
// the prediction payload.
func (c *Client) Predict(ctx context.Context, analysisID uuid.UUID, image []byte, filename, contentType string) (*models.PredictResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.WriteField("analysis_id", analysisID.String()); err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/predict", &body)
	if err != nil {
		return nil, fmt.Errorf("create predict request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrInferenceTimeout
		}
		return nil, fmt.Errorf("predict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInferenceFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out models.PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	return &out, nil
}

var _ models.InferenceClient = (*Client)(nil)

// GuessFilename derives a filename for the multipart upload from the object
// key, falling back to an extension matching the content type.
func GuessFilename(objectKey, contentType string) string {
	if idx := strings.LastIndex(objectKey, "/"); idx >= 0 {
		if name := objectKey[idx+1:]; name != "" {
			return name
		}
	} else if objectKey != "" {
		return objectKey
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return "upload.png"
	}
	return "upload.jpg"
}
