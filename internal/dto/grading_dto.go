package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// AllocationPayload is the points an instructor gives to one criterion.
type AllocationPayload struct {
	Criterion string  `json:"criterion" validate:"required"`
	Points    float64 `json:"points" validate:"gte=0"`
	Feedback  string  `json:"feedback" validate:"omitempty,max=2000"`
}

// CorrectionRequest is an instructor-supplied score for a submission. Total is
// derived from the allocations when omitted.
type CorrectionRequest struct {
	Total       *float64            `json:"total" validate:"omitempty,gte=0"`
	Allocations []AllocationPayload `json:"allocations" validate:"omitempty,dive"`
	Feedback    string              `json:"feedback" validate:"omitempty,max=5000"`
	CorrectedBy string              `json:"corrected_by" validate:"omitempty,max=128"`
}

// CorrectionResponse describes a recorded correction.
type CorrectionResponse struct {
	ID            uint                `json:"id"`
	SubmissionID  uint                `json:"submission_id"`
	AssignmentID  uint                `json:"assignment_id"`
	Total         float64             `json:"total"`
	Allocations   []models.Allocation `json:"allocations"`
	Feedback      string              `json:"feedback"`
	CorrectedBy   string              `json:"corrected_by,omitempty"`
	FeatureSchema string              `json:"feature_schema"`
	CreatedAt     time.Time           `json:"created_at"`
}

// NewCorrectionResponse converts a correction into a DTO.
func NewCorrectionResponse(correction models.Correction) CorrectionResponse {
	return CorrectionResponse{
		ID:            correction.ID,
		SubmissionID:  correction.SubmissionID,
		AssignmentID:  correction.AssignmentID,
		Total:         correction.Total,
		Allocations:   correction.Allocations,
		Feedback:      correction.Feedback,
		CorrectedBy:   correction.CorrectedBy,
		FeatureSchema: correction.FeatureSchema,
		CreatedAt:     correction.CreatedAt,
	}
}

// RetrainResponse reports the outcome of a retrain request.
type RetrainResponse struct {
	Status       string `json:"status"`
	CorpusSize   int    `json:"corpus_size"`
	ModelVersion int    `json:"model_version"`
}

// ModelResponse describes a trained model version.
type ModelResponse struct {
	ID           uint      `json:"id"`
	AssignmentID uint      `json:"assignment_id"`
	Version      int       `json:"version"`
	Schema       string    `json:"schema"`
	CorpusSize   int       `json:"corpus_size"`
	TrainingRMSE float64   `json:"training_rmse"`
	State        string    `json:"state"`
	ArtifactURL  string    `json:"artifact_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewModelResponse converts a trained model into a DTO.
func NewModelResponse(model models.TrainedModel) ModelResponse {
	return ModelResponse{
		ID:           model.ID,
		AssignmentID: model.AssignmentID,
		Version:      model.Version,
		Schema:       model.Schema,
		CorpusSize:   model.CorpusSize,
		TrainingRMSE: model.TrainingRMSE,
		State:        model.State,
		ArtifactURL:  model.ArtifactURL,
		CreatedAt:    model.CreatedAt,
	}
}

// CommentaryResponse is narrative feedback produced by the language model.
type CommentaryResponse struct {
	SubmissionID uint     `json:"submission_id"`
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	Provider     string   `json:"provider"`
}
