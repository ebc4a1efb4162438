package models

import (
	"time"

	"github.com/google/uuid"
)

// StoredFile is a registered object in the blob store. The row carries only
// metadata; bytes live in the bucket under ObjectKey.
type StoredFile struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Bucket      string    `db:"bucket"       json:"bucket"`
	ObjectKey   string    `db:"object_key"   json:"object_key"`
	ContentType string    `db:"content_type" json:"content_type"`
	SizeBytes   int64     `db:"size_bytes"   json:"size_bytes"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
