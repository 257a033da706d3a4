package model

import "time"

// SilenceWindow suppresses notifications for incidents whose labels match
type SilenceWindow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Matchers  Labels    `gorm:"type:text" json:"matchers"`
	StartsAt  time.Time `gorm:"index" json:"starts_at"`
	EndsAt    time.Time `gorm:"index" json:"ends_at"`
	CreatedBy string    `gorm:"size:150" json:"created_by,omitempty"`
	Comment   string    `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name
func (SilenceWindow) TableName() string {
	return "silence_windows"
}

// IsActive reports whether now falls inside [StartsAt, EndsAt)
func (w *SilenceWindow) IsActive(now time.Time) bool {
	return !now.Before(w.StartsAt) && now.Before(w.EndsAt)
}

// Validate checks the window invariants
func (w *SilenceWindow) Validate() error {
	if len(w.Matchers) == 0 {
		return &ValidationError{Field: "matchers", Reason: "at least one label matcher is required"}
	}
	if !w.EndsAt.After(w.StartsAt) {
		return &ValidationError{Field: "ends_at", Reason: "must be after starts_at"}
	}
	return nil
}
