package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/features"
	"github.com/noah-isme/gema-grader/internal/learning"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// RetrainStatusActivated reports a retrain that produced a new active model.
const RetrainStatusActivated = "activated"

// ErrRetrainInProgress indicates another retrain holds the assignment.
var ErrRetrainInProgress = errors.New("retrain already in progress for assignment")

// ErrInvalidCorrection indicates the correction does not fit the rubric.
var ErrInvalidCorrection = errors.New("invalid correction")

// InsufficientDataError reports a retrain requested below the minimum corpus.
type InsufficientDataError struct {
	Required  int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data: %d corrections available, %d required", e.Available, e.Required)
}

// ModelArchiver stores a copy of a trained model outside the database.
type ModelArchiver interface {
	ArchiveModel(ctx context.Context, name string, payload []byte) (string, error)
}

// TrainingService records instructor corrections and retrains the learned predictor.
type TrainingService interface {
	RecordCorrection(ctx context.Context, submissionID uint, payload dto.CorrectionRequest) (models.Correction, error)
	Retrain(ctx context.Context, assignmentID uint) (dto.RetrainResponse, error)
	ActiveModel(ctx context.Context, assignmentID uint) (*models.TrainedModel, error)
}

// TrainingConfig describes the retrain knobs.
type TrainingConfig struct {
	MinCorpusSize int
	RidgeLambda   float64
}

// TrainingDeps groups the collaborators of the training service.
type TrainingDeps struct {
	Grading     GradingService
	Submissions repository.SubmissionRepository
	Assignments repository.AssignmentRepository
	Rubrics     repository.RubricRepository
	Corrections repository.CorrectionRepository
	Grades      repository.GradeRepository
	Models      repository.ModelRepository
	Events      events.Publisher
	Archiver    ModelArchiver
}

type trainingService struct {
	deps      TrainingDeps
	config    TrainingConfig
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	locks     sync.Map
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewTrainingService constructs the training orchestrator.
func NewTrainingService(deps TrainingDeps, cfg TrainingConfig, validate *validator.Validate, logger zerolog.Logger) TrainingService {
	if cfg.MinCorpusSize <= 0 {
		cfg.MinCorpusSize = 10
	}
	if cfg.RidgeLambda <= 0 {
		cfg.RidgeLambda = 1
	}
	if validate == nil {
		validate = validator.New()
	}

	return &trainingService{
		deps:      deps,
		config:    cfg,
		validator: validate,
		sanitizer: bluemonday.UGCPolicy(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-grader/internal/service/training"),
		logger:    logger.With().Str("component", "training_service").Logger(),
	}
}

// RecordCorrection appends an instructor score for the submission together
// with the feature vector it applies to.
func (s *trainingService) RecordCorrection(ctx context.Context, submissionID uint, payload dto.CorrectionRequest) (models.Correction, error) {
	if err := s.validator.Struct(payload); err != nil {
		return models.Correction{}, err
	}

	submission, err := s.deps.Submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Correction{}, ErrSubmissionNotFound
		}
		return models.Correction{}, fmt.Errorf("load submission: %w", err)
	}

	rubric, err := s.deps.Rubrics.GetByAssignment(ctx, submission.AssignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Correction{}, ErrRubricNotFound
		}
		return models.Correction{}, fmt.Errorf("load rubric: %w", err)
	}

	allocations, total, err := s.checkCorrection(rubric, payload)
	if err != nil {
		return models.Correction{}, err
	}

	vector, err := s.snapshot(ctx, submission)
	if err != nil {
		return models.Correction{}, err
	}

	correction := models.Correction{
		SubmissionID:  submission.ID,
		AssignmentID:  submission.AssignmentID,
		Total:         total,
		Allocations:   allocations,
		Feedback:      strings.TrimSpace(s.sanitizer.Sanitize(payload.Feedback)),
		CorrectedBy:   strings.TrimSpace(payload.CorrectedBy),
		FeatureSchema: vector.Schema,
		Features:      datatypes.JSONSlice[float64](vector.Values),
	}
	if err := s.deps.Corrections.Append(ctx, &correction); err != nil {
		return models.Correction{}, fmt.Errorf("append correction: %w", err)
	}
	observability.Corrections().Inc()

	s.publish(ctx, events.SubjectCorrectionRecorded, events.CorrectionRecorded{
		CorrectionID: correction.ID,
		SubmissionID: correction.SubmissionID,
		AssignmentID: correction.AssignmentID,
		Total:        correction.Total,
		RecordedAt:   correction.CreatedAt,
	})

	return correction, nil
}

func (s *trainingService) checkCorrection(rubric models.Rubric, payload dto.CorrectionRequest) ([]models.Allocation, float64, error) {
	weights := make(map[string]float64, len(rubric.Criteria))
	for _, criterion := range rubric.Criteria {
		weights[criterion.Name] = criterion.Weight
	}

	seen := make(map[string]bool, len(payload.Allocations))
	allocations := make([]models.Allocation, 0, len(payload.Allocations))
	sum := 0.0
	for _, entry := range payload.Allocations {
		weight, ok := weights[entry.Criterion]
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown criterion %q", ErrInvalidCorrection, entry.Criterion)
		}
		if seen[entry.Criterion] {
			return nil, 0, fmt.Errorf("%w: criterion %q given twice", ErrInvalidCorrection, entry.Criterion)
		}
		if entry.Points < 0 || entry.Points > weight {
			return nil, 0, fmt.Errorf("%w: %s points %s exceed weight %s", ErrInvalidCorrection,
				entry.Criterion, strconv.FormatFloat(entry.Points, 'f', -1, 64), strconv.FormatFloat(weight, 'f', -1, 64))
		}
		seen[entry.Criterion] = true
		sum += entry.Points
		allocations = append(allocations, models.Allocation{
			Criterion: entry.Criterion,
			Points:    entry.Points,
			Weight:    weight,
			Feedback:  strings.TrimSpace(s.sanitizer.Sanitize(entry.Feedback)),
		})
	}

	var total float64
	switch {
	case payload.Total != nil:
		total = *payload.Total
	case len(allocations) > 0:
		total = sum
	default:
		return nil, 0, fmt.Errorf("%w: total or allocations required", ErrInvalidCorrection)
	}

	if total < 0 || total > rubric.MaxPoints() {
		return nil, 0, fmt.Errorf("%w: total %s outside [0, %s]", ErrInvalidCorrection,
			strconv.FormatFloat(total, 'f', -1, 64), strconv.FormatFloat(rubric.MaxPoints(), 'f', -1, 64))
	}
	if len(allocations) > 0 && payload.Total != nil && absDiff(sum, total) > 1e-6 {
		return nil, 0, fmt.Errorf("%w: allocations sum to %s but total is %s", ErrInvalidCorrection,
			strconv.FormatFloat(sum, 'f', -1, 64), strconv.FormatFloat(total, 'f', -1, 64))
	}

	return allocations, total, nil
}

// snapshot reuses the vector of the latest grade when it matches the current
// schema and runs the pipeline otherwise.
func (s *trainingService) snapshot(ctx context.Context, submission models.Submission) (features.Vector, error) {
	assignment := submission.Assignment
	if assignment.ID == 0 {
		loaded, err := s.deps.Assignments.GetByID(ctx, submission.AssignmentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return features.Vector{}, ErrAssignmentNotFound
			}
			return features.Vector{}, fmt.Errorf("load assignment: %w", err)
		}
		assignment = loaded
	}
	schema := s.deps.Grading.Schema(assignment)

	if s.deps.Grades != nil {
		record, err := s.deps.Grades.LatestBySubmission(ctx, submission.ID)
		switch {
		case err == nil && record.FeatureSchema == schema && len(record.Features) > 0:
			vector := features.Vector{Schema: record.FeatureSchema, Values: append([]float64(nil), record.Features...)}
			if vector.Validate() == nil {
				return vector, nil
			}
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return features.Vector{}, fmt.Errorf("load latest grade: %w", err)
		}
	}

	extraction, err := s.deps.Grading.Extract(ctx, submission)
	if err != nil {
		return features.Vector{}, fmt.Errorf("extract features: %w", err)
	}
	return extraction.Vector, nil
}

// Retrain fits a new model from the latest correction of every submission and
// activates it. Only one retrain per assignment runs at a time.
func (s *trainingService) Retrain(ctx context.Context, assignmentID uint) (dto.RetrainResponse, error) {
	ctx, span := s.tracer.Start(ctx, "training.retrain", trace.WithAttributes(
		attribute.Int64("assignment_id", int64(assignmentID)),
	))
	defer span.End()

	response, err := s.retrain(ctx, assignmentID)
	if err != nil {
		observability.Retrains().WithLabelValues(retrainOutcome(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return response, err
	}

	observability.Retrains().WithLabelValues(RetrainStatusActivated).Inc()
	span.SetAttributes(
		attribute.Int("corpus_size", response.CorpusSize),
		attribute.Int("model_version", response.ModelVersion),
	)
	return response, nil
}

func (s *trainingService) retrain(ctx context.Context, assignmentID uint) (dto.RetrainResponse, error) {
	lockValue, _ := s.locks.LoadOrStore(assignmentID, &sync.Mutex{})
	lock := lockValue.(*sync.Mutex)
	if !lock.TryLock() {
		return dto.RetrainResponse{}, ErrRetrainInProgress
	}
	defer lock.Unlock()

	assignment, err := s.deps.Assignments.GetByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RetrainResponse{}, ErrAssignmentNotFound
		}
		return dto.RetrainResponse{}, fmt.Errorf("load assignment: %w", err)
	}

	rubric, err := s.deps.Rubrics.GetByAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RetrainResponse{}, ErrRubricNotFound
		}
		return dto.RetrainResponse{}, fmt.Errorf("load rubric: %w", err)
	}

	corrections, err := s.deps.Corrections.ListByAssignment(ctx, assignmentID)
	if err != nil {
		return dto.RetrainResponse{}, fmt.Errorf("list corrections: %w", err)
	}

	schema := s.deps.Grading.Schema(assignment)
	examples, err := trainingExamples(schema, corrections)
	if err != nil {
		return dto.RetrainResponse{}, err
	}
	if len(examples) < s.config.MinCorpusSize {
		return dto.RetrainResponse{Status: "insufficient_data", CorpusSize: len(examples)},
			&InsufficientDataError{Required: s.config.MinCorpusSize, Available: len(examples)}
	}

	model, stats, err := learning.Fit(schema, examples, s.config.RidgeLambda, rubric.MaxPoints())
	if err != nil {
		return dto.RetrainResponse{}, fmt.Errorf("fit model: %w", err)
	}
	parameters, err := model.Encode()
	if err != nil {
		return dto.RetrainResponse{}, fmt.Errorf("encode model: %w", err)
	}

	version, err := s.deps.Models.NextVersion(ctx, assignmentID)
	if err != nil {
		return dto.RetrainResponse{}, fmt.Errorf("next model version: %w", err)
	}

	trained := models.TrainedModel{
		AssignmentID: assignmentID,
		Version:      version,
		Schema:       schema,
		Parameters:   datatypes.JSON(parameters),
		CorpusSize:   stats.CorpusSize,
		TrainingRMSE: stats.RMSE,
	}
	if err := s.deps.Models.Write(ctx, &trained); err != nil {
		return dto.RetrainResponse{}, fmt.Errorf("write model: %w", err)
	}

	s.archive(ctx, &trained, parameters)

	if err := s.deps.Models.Activate(ctx, assignmentID, trained.ID); err != nil {
		if markErr := s.deps.Models.MarkFailed(context.WithoutCancel(ctx), trained.ID); markErr != nil {
			s.logger.Error().Err(markErr).Uint("model_id", trained.ID).Msg("failed to mark model version as failed")
		}
		return dto.RetrainResponse{}, fmt.Errorf("activate model: %w", err)
	}
	observability.ActiveModelVersion().WithLabelValues(strconv.FormatUint(uint64(assignmentID), 10)).Set(float64(version))

	s.logger.Info().
		Uint("assignment_id", assignmentID).
		Int("model_version", version).
		Int("corpus_size", stats.CorpusSize).
		Float64("training_rmse", stats.RMSE).
		Msg("model activated")

	s.publish(ctx, events.SubjectModelActivated, events.ModelActivated{
		AssignmentID: assignmentID,
		ModelID:      trained.ID,
		Version:      version,
		CorpusSize:   stats.CorpusSize,
		ActivatedAt:  time.Now().UTC(),
	})

	return dto.RetrainResponse{
		Status:       RetrainStatusActivated,
		CorpusSize:   stats.CorpusSize,
		ModelVersion: version,
	}, nil
}

// trainingExamples keeps the latest correction of every submission, ordered by
// submission, and refuses vectors built under another schema.
func trainingExamples(schema string, corrections []models.Correction) ([]learning.Example, error) {
	latest := make(map[uint]models.Correction, len(corrections))
	for _, correction := range corrections {
		current, ok := latest[correction.SubmissionID]
		if !ok || correction.ID > current.ID {
			latest[correction.SubmissionID] = correction
		}
	}

	ids := make([]uint, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	examples := make([]learning.Example, 0, len(ids))
	for _, id := range ids {
		correction := latest[id]
		if correction.FeatureSchema != schema {
			return nil, &learning.SchemaMismatchError{Expected: schema, Actual: correction.FeatureSchema}
		}
		vector := features.Vector{Schema: correction.FeatureSchema, Values: append([]float64(nil), correction.Features...)}
		if err := vector.Validate(); err != nil {
			return nil, fmt.Errorf("correction %d: %w", correction.ID, err)
		}
		examples = append(examples, learning.Example{Vector: vector, Target: correction.Total})
	}
	return examples, nil
}

func (s *trainingService) archive(ctx context.Context, trained *models.TrainedModel, parameters []byte) {
	if s.deps.Archiver == nil {
		return
	}
	name := fmt.Sprintf("assignment-%d-model-v%d", trained.AssignmentID, trained.Version)
	url, err := s.deps.Archiver.ArchiveModel(ctx, name, parameters)
	if err != nil {
		s.logger.Warn().Err(err).Str("artifact", name).Msg("failed to archive model artifact")
		return
	}
	if err := s.deps.Models.SetArtifactURL(ctx, trained.ID, url); err != nil {
		s.logger.Warn().Err(err).Str("artifact", name).Msg("failed to record model artifact url")
		return
	}
	trained.ArtifactURL = url
}

// ActiveModel returns the serving model of the assignment or nil.
func (s *trainingService) ActiveModel(ctx context.Context, assignmentID uint) (*models.TrainedModel, error) {
	if _, err := s.deps.Assignments.GetByID(ctx, assignmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("load assignment: %w", err)
	}
	return s.deps.Models.ReadActive(ctx, assignmentID)
}

func (s *trainingService) publish(ctx context.Context, subject string, payload interface{}) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Publish(ctx, subject, payload); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

func retrainOutcome(err error) string {
	var insufficient *InsufficientDataError
	var mismatch *learning.SchemaMismatchError
	switch {
	case errors.Is(err, ErrRetrainInProgress):
		return "in_progress"
	case errors.As(err, &insufficient):
		return "insufficient_data"
	case errors.As(err, &mismatch):
		return "schema_mismatch"
	default:
		return "failed"
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
