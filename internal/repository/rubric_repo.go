package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// RubricRepository stores one rubric per assignment.
type RubricRepository interface {
	GetByAssignment(ctx context.Context, assignmentID uint) (models.Rubric, error)
	Upsert(ctx context.Context, rubric *models.Rubric) error
}

type rubricRepository struct {
	db *gorm.DB
}

// NewRubricRepository instantiates the repository.
func NewRubricRepository(db *gorm.DB) RubricRepository {
	return &rubricRepository{db: db}
}

func (r *rubricRepository) GetByAssignment(ctx context.Context, assignmentID uint) (models.Rubric, error) {
	var rubric models.Rubric
	if err := r.db.WithContext(ctx).Where("assignment_id = ?", assignmentID).First(&rubric).Error; err != nil {
		return models.Rubric{}, err
	}

	return rubric, nil
}

func (r *rubricRepository) Upsert(ctx context.Context, rubric *models.Rubric) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "assignment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"criteria", "updated_at"}),
	}).Create(rubric).Error
	if err != nil {
		return err
	}

	stored, err := r.GetByAssignment(ctx, rubric.AssignmentID)
	if err != nil {
		return err
	}
	*rubric = stored
	return nil
}
