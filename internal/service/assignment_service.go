package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// ErrDuplicateCriterion indicates two rubric criteria share a name.
var ErrDuplicateCriterion = errors.New("duplicate rubric criterion")

// AssignmentService manages grading scopes and their rubrics.
type AssignmentService interface {
	Create(ctx context.Context, payload dto.AssignmentCreateRequest) (dto.AssignmentResponse, error)
	Get(ctx context.Context, id uint) (dto.AssignmentResponse, error)
	UpsertRubric(ctx context.Context, assignmentID uint, payload dto.RubricRequest) (dto.RubricResponse, error)
	GetRubric(ctx context.Context, assignmentID uint) (dto.RubricResponse, error)
}

type assignmentService struct {
	assignments repository.AssignmentRepository
	rubrics     repository.RubricRepository
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewAssignmentService builds a new assignment service.
func NewAssignmentService(assignmentRepo repository.AssignmentRepository, rubricRepo repository.RubricRepository, validate *validator.Validate, logger zerolog.Logger) AssignmentService {
	if validate == nil {
		validate = validator.New()
	}
	return &assignmentService{
		assignments: assignmentRepo,
		rubrics:     rubricRepo,
		validator:   validate,
		logger:      logger.With().Str("component", "assignment_service").Logger(),
	}
}

func (s *assignmentService) Create(ctx context.Context, payload dto.AssignmentCreateRequest) (dto.AssignmentResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssignmentResponse{}, err
	}

	language := strings.ToLower(strings.TrimSpace(payload.Language))
	if language == "" {
		language = "python"
	}

	assignment := models.Assignment{
		Title:          strings.TrimSpace(payload.Title),
		Language:       language,
		ReferenceCells: dto.ToCells(payload.ReferenceCells),
		PatternSlots:   payload.PatternSlots,
	}
	if err := s.assignments.Create(ctx, &assignment); err != nil {
		return dto.AssignmentResponse{}, fmt.Errorf("create assignment: %w", err)
	}

	s.logger.Info().Uint("assignment_id", assignment.ID).Str("language", language).Msg("assignment created")
	return dto.NewAssignmentResponse(assignment), nil
}

func (s *assignmentService) Get(ctx context.Context, id uint) (dto.AssignmentResponse, error) {
	assignment, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignmentResponse{}, ErrAssignmentNotFound
		}
		return dto.AssignmentResponse{}, err
	}
	return dto.NewAssignmentResponse(assignment), nil
}

// UpsertRubric replaces the ordered criteria of the assignment.
func (s *assignmentService) UpsertRubric(ctx context.Context, assignmentID uint, payload dto.RubricRequest) (dto.RubricResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.RubricResponse{}, err
	}

	if _, err := s.assignments.GetByID(ctx, assignmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RubricResponse{}, ErrAssignmentNotFound
		}
		return dto.RubricResponse{}, err
	}

	seen := make(map[string]bool, len(payload.Criteria))
	criteria := make([]models.Criterion, 0, len(payload.Criteria))
	for _, entry := range payload.Criteria {
		name := strings.TrimSpace(entry.Name)
		if seen[name] {
			return dto.RubricResponse{}, fmt.Errorf("%w: %q", ErrDuplicateCriterion, name)
		}
		seen[name] = true
		criteria = append(criteria, models.Criterion{
			Name:        name,
			Weight:      entry.Weight,
			Description: entry.Description,
			Kind:        entry.Kind,
			Patterns:    entry.Patterns,
		})
	}

	rubric := models.Rubric{AssignmentID: assignmentID, Criteria: criteria}
	if err := s.rubrics.Upsert(ctx, &rubric); err != nil {
		return dto.RubricResponse{}, fmt.Errorf("save rubric: %w", err)
	}

	s.logger.Info().Uint("assignment_id", assignmentID).Int("criteria", len(criteria)).Msg("rubric updated")
	return dto.NewRubricResponse(rubric), nil
}

func (s *assignmentService) GetRubric(ctx context.Context, assignmentID uint) (dto.RubricResponse, error) {
	rubric, err := s.rubrics.GetByAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RubricResponse{}, ErrRubricNotFound
		}
		return dto.RubricResponse{}, err
	}
	return dto.NewRubricResponse(rubric), nil
}
