package models

import (
	"time"

	"gorm.io/datatypes"
)

// Assignment is the grading scope: submissions, the rubric, corrections and
// trained models all hang off it.
type Assignment struct {
	ID             uint                      `gorm:"primaryKey" json:"id"`
	Title          string                    `gorm:"size:255;not null" json:"title"`
	Language       string                    `gorm:"size:32;not null;default:python" json:"language"`
	ReferenceCells datatypes.JSONSlice[Cell] `json:"reference_cells"`
	PatternSlots   int                       `gorm:"default:0" json:"pattern_slots"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// HasReference reports whether a reference solution is configured.
func (a Assignment) HasReference() bool {
	for _, cell := range a.ReferenceCells {
		if cell.IsCode() {
			return true
		}
	}
	return false
}
