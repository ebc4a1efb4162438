package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/api/response"
	"github.com/aura-health/retina-pipeline/internal/intake"
	"github.com/aura-health/retina-pipeline/internal/store"
	"github.com/aura-health/retina-pipeline/pkg/models"
)

const maxSubmissionBytes = 64 << 20 // whole multipart form

// Submitter defines the interface the submit handler depends on.
type Submitter interface {
	Submit(ctx context.Context, ownerID uuid.UUID, assignedDoctorID *uuid.UUID, uploads []intake.Upload) ([]*models.Analysis, error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /internal/v1/analyses.
// The request is multipart/form-data: field owner_id (UUID), optional field
// assigned_doctor_id (UUID), and one or more file parts named images.
func NewSubmitHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxSubmissionBytes); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected multipart/form-data body", nil)
			return
		}

		ownerID, err := uuid.Parse(r.FormValue("owner_id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id must be a valid UUID", nil)
			return
		}

		var assignedDoctorID *uuid.UUID
		if raw := r.FormValue("assigned_doctor_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "assigned_doctor_id must be a valid UUID", nil)
				return
			}
			assignedDoctorID = &id
		}

		fileHeaders := r.MultipartForm.File["images"]
		if len(fileHeaders) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "At least one images file part is required", nil)
			return
		}

		uploads := make([]intake.Upload, 0, len(fileHeaders))
		for _, fh := range fileHeaders {
			f, err := fh.Open()
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read uploaded file", nil)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read uploaded file", nil)
				return
			}
			contentType := fh.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			uploads = append(uploads, intake.Upload{
				Filename:    fh.Filename,
				ContentType: contentType,
				Data:        data,
			})
		}

		analyses, err := svc.Submit(r.Context(), ownerID, assignedDoctorID, uploads)
		if err != nil {
			if errors.Is(err, store.ErrInsufficientCredits) {
				response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits for this submission", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "SUBMISSION_FAILED", "Could not accept the submission", nil)
			return
		}

		response.Created(w, analyses)
	}
}
