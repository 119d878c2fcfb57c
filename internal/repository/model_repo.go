package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ErrModelNotPending indicates an activation was attempted on a model that is
// not a freshly written version of the scope.
var ErrModelNotPending = errors.New("model is not pending for this assignment")

// ModelRepository versions trained models and owns the activation pointer.
type ModelRepository interface {
	NextVersion(ctx context.Context, assignmentID uint) (int, error)
	Write(ctx context.Context, model *models.TrainedModel) error
	SetArtifactURL(ctx context.Context, modelID uint, url string) error
	Activate(ctx context.Context, assignmentID, modelID uint) error
	MarkFailed(ctx context.Context, modelID uint) error
	ReadActive(ctx context.Context, assignmentID uint) (*models.TrainedModel, error)
	ListByAssignment(ctx context.Context, assignmentID uint) ([]models.TrainedModel, error)
}

type modelRepository struct {
	db *gorm.DB
}

// NewModelRepository instantiates the repository.
func NewModelRepository(db *gorm.DB) ModelRepository {
	return &modelRepository{db: db}
}

func (r *modelRepository) NextVersion(ctx context.Context, assignmentID uint) (int, error) {
	var latest int
	row := r.db.WithContext(ctx).
		Model(&models.TrainedModel{}).
		Where("assignment_id = ?", assignmentID).
		Select("COALESCE(MAX(version), 0)").
		Row()
	if err := row.Scan(&latest); err != nil {
		return 0, err
	}

	return latest + 1, nil
}

// Write persists a new version in the pending state. The version must be
// unused for the assignment.
func (r *modelRepository) Write(ctx context.Context, model *models.TrainedModel) error {
	model.State = models.ModelStatePending
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *modelRepository) SetArtifactURL(ctx context.Context, modelID uint, url string) error {
	return r.db.WithContext(ctx).
		Model(&models.TrainedModel{}).
		Where("id = ?", modelID).
		Update("artifact_url", url).Error
}

// Activate swaps the activation pointer to modelID and retires the previously
// active version in one transaction. Readers see either the old or the new
// pointer, never neither.
func (r *modelRepository) Activate(ctx context.Context, assignmentID, modelID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model models.TrainedModel
		if err := tx.First(&model, modelID).Error; err != nil {
			return err
		}
		if model.AssignmentID != assignmentID || model.State != models.ModelStatePending {
			return fmt.Errorf("%w: model %d state %s", ErrModelNotPending, model.ID, model.State)
		}

		if err := tx.Model(&models.TrainedModel{}).
			Where("assignment_id = ? AND state = ?", assignmentID, models.ModelStateActive).
			Update("state", models.ModelStateRetired).Error; err != nil {
			return err
		}

		if err := tx.Model(&model).Update("state", models.ModelStateActive).Error; err != nil {
			return err
		}

		activation := models.ModelActivation{
			AssignmentID: assignmentID,
			ModelID:      model.ID,
			Version:      model.Version,
			ActivatedAt:  time.Now().UTC(),
		}
		return tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "assignment_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"model_id", "version", "activated_at"}),
		}).Create(&activation).Error
	})
}

// MarkFailed moves a pending version to the failed state. Versions that are
// already active or retired are left alone.
func (r *modelRepository) MarkFailed(ctx context.Context, modelID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.TrainedModel{}).
		Where("id = ? AND state = ?", modelID, models.ModelStatePending).
		Update("state", models.ModelStateFailed).Error
}

// ReadActive follows the activation pointer. It returns nil when the scope has
// no active model.
func (r *modelRepository) ReadActive(ctx context.Context, assignmentID uint) (*models.TrainedModel, error) {
	var activations []models.ModelActivation
	result := r.db.WithContext(ctx).
		Preload("Model").
		Where("assignment_id = ?", assignmentID).
		Limit(1).
		Find(&activations)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	model := activations[0].Model
	return &model, nil
}

func (r *modelRepository) ListByAssignment(ctx context.Context, assignmentID uint) ([]models.TrainedModel, error) {
	var trained []models.TrainedModel
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Order("version ASC").
		Find(&trained).Error; err != nil {
		return nil, err
	}

	return trained, nil
}
