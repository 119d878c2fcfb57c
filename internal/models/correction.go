package models

import (
	"time"

	"gorm.io/datatypes"
)

// Correction is an instructor-supplied score that supersedes an engine score.
// Rows are only ever inserted; the history is the training provenance.
type Correction struct {
	ID            uint                            `gorm:"primaryKey" json:"id"`
	SubmissionID  uint                            `gorm:"not null;index" json:"submission_id"`
	AssignmentID  uint                            `gorm:"not null;index" json:"assignment_id"`
	Total         float64                         `json:"total"`
	Allocations   datatypes.JSONSlice[Allocation] `json:"allocations"`
	Feedback      string                          `gorm:"type:text" json:"feedback"`
	CorrectedBy   string                          `gorm:"size:128" json:"corrected_by"`
	FeatureSchema string                          `gorm:"size:64;not null" json:"feature_schema"`
	Features      datatypes.JSONSlice[float64]    `json:"features"`
	CreatedAt     time.Time                       `json:"created_at"`
}
