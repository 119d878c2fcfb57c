package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// CellPayload is a notebook cell as accepted and returned by the API.
type CellPayload struct {
	Type   string `json:"type" validate:"required,oneof=code narrative"`
	Source string `json:"source"`
}

// AssignmentCreateRequest describes the payload for creating a grading scope.
type AssignmentCreateRequest struct {
	Title          string        `json:"title" validate:"required,min=3,max=255"`
	Language       string        `json:"language" validate:"omitempty,max=32"`
	ReferenceCells []CellPayload `json:"reference_cells" validate:"omitempty,dive"`
	PatternSlots   int           `json:"pattern_slots" validate:"gte=0,lte=64"`
}

// AssignmentResponse is the serialized representation returned to API clients.
type AssignmentResponse struct {
	ID           uint      `json:"id"`
	Title        string    `json:"title"`
	Language     string    `json:"language"`
	HasReference bool      `json:"has_reference"`
	PatternSlots int       `json:"pattern_slots"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewAssignmentResponse converts a model into a DTO.
func NewAssignmentResponse(model models.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:           model.ID,
		Title:        model.Title,
		Language:     model.Language,
		HasReference: model.HasReference(),
		PatternSlots: model.PatternSlots,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}

// CriterionPayload is one rubric entry.
type CriterionPayload struct {
	Name        string   `json:"name" validate:"required,max=128"`
	Weight      float64  `json:"weight" validate:"gt=0"`
	Description string   `json:"description"`
	Kind        string   `json:"kind" validate:"omitempty,oneof=execution similarity patterns documentation narrative errors"`
	Patterns    []string `json:"patterns" validate:"omitempty,dive,required"`
}

// RubricRequest replaces the rubric of an assignment.
type RubricRequest struct {
	Criteria []CriterionPayload `json:"criteria" validate:"required,min=1,dive"`
}

// RubricResponse is the stored rubric.
type RubricResponse struct {
	AssignmentID uint               `json:"assignment_id"`
	Criteria     []models.Criterion `json:"criteria"`
	MaxPoints    float64            `json:"max_points"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// NewRubricResponse converts a rubric into a DTO.
func NewRubricResponse(rubric models.Rubric) RubricResponse {
	return RubricResponse{
		AssignmentID: rubric.AssignmentID,
		Criteria:     rubric.Criteria,
		MaxPoints:    rubric.MaxPoints(),
		UpdatedAt:    rubric.UpdatedAt,
	}
}

// ToCells converts cell payloads into model cells.
func ToCells(payload []CellPayload) []models.Cell {
	cells := make([]models.Cell, 0, len(payload))
	for _, cell := range payload {
		cells = append(cells, models.Cell{Type: cell.Type, Source: cell.Source})
	}
	return cells
}
