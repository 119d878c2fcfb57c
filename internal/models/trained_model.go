package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	// ModelStatePending marks a version that is written but not yet serving.
	ModelStatePending = "pending"

	// ModelStateActive marks the version the activation pointer refers to.
	ModelStateActive = "active"

	// ModelStateRetired marks a version that was replaced.
	ModelStateRetired = "retired"

	// ModelStateFailed marks a version whose activation did not complete.
	ModelStateFailed = "failed"
)

// TrainedModel is a versioned learned-predictor artifact for one assignment.
type TrainedModel struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	AssignmentID uint           `gorm:"not null;uniqueIndex:uk_model_version" json:"assignment_id"`
	Version      int            `gorm:"not null;uniqueIndex:uk_model_version" json:"version"`
	Schema       string         `gorm:"size:64;not null" json:"schema"`
	Parameters   datatypes.JSON `json:"parameters"`
	CorpusSize   int            `gorm:"not null" json:"corpus_size"`
	TrainingRMSE float64        `json:"training_rmse"`
	State        string         `gorm:"size:32;not null;default:'pending'" json:"state"`
	ArtifactURL  string         `gorm:"size:512" json:"artifact_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ModelActivation is the single active-version pointer per assignment.
type ModelActivation struct {
	AssignmentID uint         `gorm:"primaryKey;autoIncrement:false" json:"assignment_id"`
	ModelID      uint         `gorm:"not null" json:"model_id"`
	Version      int          `gorm:"not null" json:"version"`
	ActivatedAt  time.Time    `json:"activated_at"`
	Model        TrainedModel `gorm:"foreignKey:ModelID" json:"model"`
}

// All returns every model the grader migrates.
func All() []interface{} {
	return []interface{}{
		&Assignment{},
		&Rubric{},
		&Submission{},
		&GradeRecord{},
		&Correction{},
		&TrainedModel{},
		&ModelActivation{},
	}
}
