package models

import (
	"time"

	"gorm.io/datatypes"
)

// Score provenance tags.
const (
	ScoreSourceRubric  = "rubric-only"
	ScoreSourceLearned = "learned"
	ScoreSourceBlended = "blended"
)

// Grade states.
const (
	GradeStatusGraded     = "graded"
	GradeStatusUngradable = "ungradable"
)

// Allocation is the number of points given to one criterion.
type Allocation struct {
	Criterion string  `json:"criterion"`
	Points    float64 `json:"points"`
	Weight    float64 `json:"weight"`
	Feedback  string  `json:"feedback,omitempty"`
}

// GradeRecord persists each engine-produced score together with the feature
// vector it was computed from.
type GradeRecord struct {
	ID            uint                            `gorm:"primaryKey" json:"id"`
	SubmissionID  uint                            `gorm:"not null;index" json:"submission_id"`
	AssignmentID  uint                            `gorm:"not null;index" json:"assignment_id"`
	Status        string                          `gorm:"size:32;not null" json:"status"`
	Source        string                          `gorm:"size:32;not null" json:"source"`
	Total         float64                         `json:"total"`
	MaxPoints     float64                         `json:"max_points"`
	Allocations   datatypes.JSONSlice[Allocation] `json:"allocations"`
	Feedback      datatypes.JSONSlice[string]     `json:"feedback"`
	Warnings      datatypes.JSONSlice[string]     `json:"warnings"`
	Reason        string                          `gorm:"size:512" json:"reason,omitempty"`
	FeatureSchema string                          `gorm:"size:64" json:"feature_schema"`
	Features      datatypes.JSONSlice[float64]    `json:"features"`
	ModelVersion  int                             `gorm:"default:0" json:"model_version"`
	CreatedAt     time.Time                       `json:"created_at"`
}
