package models

import (
	"time"

	"github.com/google/uuid"
)

// UserCredit is the per-user prepaid analysis balance. RemainingCredits never
// goes negative: a debit that would overdraw is rejected whole.
type UserCredit struct {
	UserID           uuid.UUID `db:"user_id"           json:"user_id"`
	RemainingCredits int       `db:"remaining_credits" json:"remaining_credits"`
	TotalUsed        int       `db:"total_used"        json:"total_used"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}
