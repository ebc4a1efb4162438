package models

import (
	"time"

	"github.com/google/uuid"
)

// Template keys emitted by the pipeline.
const (
	TemplateAnalysisDone   = "ANALYSIS_DONE"
	TemplateAnalysisFailed = "ANALYSIS_FAILED"
	TemplateHighRiskAlert  = "HIGH_RISK_ALERT"
)

// Notification is an in-app message for a user, created from a template.
type Notification struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	Title     string    `db:"title"      json:"title"`
	Message   string    `db:"message"    json:"message"`
	Type      string    `db:"type"       json:"type"`
	IsRead    bool      `db:"is_read"    json:"is_read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NotificationTemplate holds the title/message templates for one key.
// Placeholders use {name} syntax and are replaced verbatim at render time.
type NotificationTemplate struct {
	ID              int64     `db:"id"               json:"id"`
	TemplateKey     string    `db:"template_key"     json:"template_key"`
	TitleTemplate   string    `db:"title_template"   json:"title_template"`
	MessageTemplate string    `db:"message_template" json:"message_template"`
	Type            string    `db:"type"             json:"type"`
	Active          bool      `db:"active"           json:"active"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"       json:"updated_at"`
}
