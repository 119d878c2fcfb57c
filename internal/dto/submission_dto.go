package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionIngestQuery carries optional identity overrides for a notebook upload.
type SubmissionIngestQuery struct {
	StudentID   string `query:"student_id" validate:"omitempty,max=128"`
	StudentName string `query:"student_name" validate:"omitempty,max=255"`
}

// SubmissionResponse is returned to API clients after ingest.
type SubmissionResponse struct {
	ID            uint      `json:"id"`
	AssignmentID  uint      `json:"assignment_id"`
	StudentID     string    `json:"student_id"`
	StudentName   string    `json:"student_name,omitempty"`
	Language      string    `json:"language"`
	CodeCells     int       `json:"code_cells"`
	NarrativeCell int       `json:"narrative_cells"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewSubmissionResponse converts a submission into a DTO.
func NewSubmissionResponse(submission models.Submission) SubmissionResponse {
	code := len(models.CodeSources(submission.Cells))
	return SubmissionResponse{
		ID:            submission.ID,
		AssignmentID:  submission.AssignmentID,
		StudentID:     submission.StudentID,
		StudentName:   submission.StudentName,
		Language:      submission.Language,
		CodeCells:     code,
		NarrativeCell: len(submission.Cells) - code,
		ContentHash:   submission.ContentHash,
		CreatedAt:     submission.CreatedAt,
	}
}
