// Package models contains shared data models used across the pipeline.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisStatusQueued    = "QUEUED"
	AnalysisStatusRunning   = "RUNNING"
	AnalysisStatusCompleted = "COMPLETED"
	AnalysisStatusFailed    = "FAILED"

	// AnalysisStatusReviewed is set by the doctor-review path only. The
	// pipeline must never overwrite it.
	AnalysisStatusReviewed = "REVIEWED"
)

// Risk tiers derived from the predicted label and confidence.
const (
	RiskHigh       = "HIGH"
	RiskMed        = "MED"
	RiskLow        = "LOW"
	RiskQualityLow = "QUALITY_LOW"
)

// Analysis is the business record a job acts upon: one uploaded retinal image
// and, after processing, the AI result attached to it.
type Analysis struct {
	ID               uuid.UUID  `db:"id"                  json:"id"`
	OwnerID          uuid.UUID  `db:"owner_id"            json:"owner_id"`
	AssignedDoctorID *uuid.UUID `db:"assigned_doctor_id"  json:"assigned_doctor_id,omitempty"`
	Status           string     `db:"status"              json:"status"`

	OriginalFileID *uuid.UUID `db:"original_file_id" json:"original_file_id,omitempty"`

	PredLabel      *string         `db:"pred_label"      json:"pred_label,omitempty"`
	PredConf       *float64        `db:"pred_conf"       json:"pred_conf,omitempty"`
	ProbsJSON      json.RawMessage `db:"probs_json"      json:"probs,omitempty"`
	RiskLevel      *string         `db:"risk_level"      json:"risk_level,omitempty"`
	AdviceJSON     json.RawMessage `db:"advice_json"     json:"advice,omitempty"`
	AIVersion      *string         `db:"ai_version"      json:"ai_version,omitempty"`
	ThresholdsJSON json.RawMessage `db:"thresholds_json" json:"thresholds,omitempty"`

	OverlayFileID        *uuid.UUID `db:"overlay_file_id"         json:"overlay_file_id,omitempty"`
	MaskFileID           *uuid.UUID `db:"mask_file_id"            json:"mask_file_id,omitempty"`
	HeatmapFileID        *uuid.UUID `db:"heatmap_file_id"         json:"heatmap_file_id,omitempty"`
	HeatmapOverlayFileID *uuid.UUID `db:"heatmap_overlay_file_id" json:"heatmap_overlay_file_id,omitempty"`

	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
