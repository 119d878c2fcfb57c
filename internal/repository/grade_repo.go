package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// GradeRepository keeps the history of engine-produced grades.
type GradeRepository interface {
	Save(ctx context.Context, record *models.GradeRecord) error
	LatestBySubmission(ctx context.Context, submissionID uint) (models.GradeRecord, error)
}

type gradeRepository struct {
	db *gorm.DB
}

// NewGradeRepository instantiates the repository.
func NewGradeRepository(db *gorm.DB) GradeRepository {
	return &gradeRepository{db: db}
}

func (r *gradeRepository) Save(ctx context.Context, record *models.GradeRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *gradeRepository) LatestBySubmission(ctx context.Context, submissionID uint) (models.GradeRecord, error) {
	var record models.GradeRecord
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("id DESC").
		First(&record).Error; err != nil {
		return models.GradeRecord{}, err
	}

	return record, nil
}
