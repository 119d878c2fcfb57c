package models

import (
	"time"

	"gorm.io/datatypes"
)

// Criterion kinds understood by the rubric scorer.
const (
	CriterionKindExecution     = "execution"
	CriterionKindSimilarity    = "similarity"
	CriterionKindPatterns      = "patterns"
	CriterionKindDocumentation = "documentation"
	CriterionKindNarrative     = "narrative"
	CriterionKindErrors        = "errors"
)

// Criterion is a single named, weighted rubric entry.
type Criterion struct {
	Name        string   `json:"name" validate:"required"`
	Weight      float64  `json:"weight" validate:"gt=0"`
	Description string   `json:"description"`
	Kind        string   `json:"kind,omitempty" validate:"omitempty,oneof=execution similarity patterns documentation narrative errors"`
	Patterns    []string `json:"patterns,omitempty"`
}

// Rubric is the assignment-scoped, ordered set of criteria.
type Rubric struct {
	ID           uint                           `gorm:"primaryKey" json:"id"`
	AssignmentID uint                           `gorm:"not null;uniqueIndex" json:"assignment_id"`
	Criteria     datatypes.JSONSlice[Criterion] `json:"criteria"`
	CreatedAt    time.Time                      `json:"created_at"`
	UpdatedAt    time.Time                      `json:"updated_at"`
}

// MaxPoints returns the sum of criterion weights.
func (r Rubric) MaxPoints() float64 {
	total := 0.0
	for _, criterion := range r.Criteria {
		total += criterion.Weight
	}
	return total
}
