package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// CorrectionRepository is the append-only log of instructor corrections.
type CorrectionRepository interface {
	Append(ctx context.Context, correction *models.Correction) error
	ListByAssignment(ctx context.Context, assignmentID uint) ([]models.Correction, error)
}

type correctionRepository struct {
	db *gorm.DB
}

// NewCorrectionRepository instantiates the repository.
func NewCorrectionRepository(db *gorm.DB) CorrectionRepository {
	return &correctionRepository{db: db}
}

func (r *correctionRepository) Append(ctx context.Context, correction *models.Correction) error {
	correction.ID = 0
	return r.db.WithContext(ctx).Create(correction).Error
}

// ListByAssignment returns every correction of the scope in insertion order.
func (r *correctionRepository) ListByAssignment(ctx context.Context, assignmentID uint) ([]models.Correction, error) {
	var corrections []models.Correction
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Order("id ASC").
		Find(&corrections).Error; err != nil {
		return nil, err
	}

	return corrections, nil
}
