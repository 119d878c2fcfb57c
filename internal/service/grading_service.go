package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/features"
	"github.com/noah-isme/gema-grader/internal/learning"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/sandbox"
	"github.com/noah-isme/gema-grader/internal/scoring"
)

// ErrSubmissionNotFound indicates the submission cannot be located.
var ErrSubmissionNotFound = errors.New("submission not found")

// ErrAssignmentNotFound indicates the assignment cannot be located.
var ErrAssignmentNotFound = errors.New("assignment not found")

// ErrRubricNotFound indicates the assignment has no rubric yet.
var ErrRubricNotFound = errors.New("rubric not configured")

// GradingService runs the grading pipeline.
type GradingService interface {
	Grade(ctx context.Context, submissionID uint) (scoring.Score, error)
	GradeAssignment(ctx context.Context, assignmentID uint) ([]scoring.Score, error)
	Extract(ctx context.Context, submission models.Submission) (features.Extraction, error)
	Schema(assignment models.Assignment) string
}

// GradingConfig describes the pipeline knobs.
type GradingConfig struct {
	PatternSlots int
	Blend        scoring.BlendPolicy
	BatchWorkers int
}

// GradingDeps groups the collaborators of the grading service.
type GradingDeps struct {
	Submissions repository.SubmissionRepository
	Assignments repository.AssignmentRepository
	Rubrics     repository.RubricRepository
	Grades      repository.GradeRepository
	Models      repository.ModelRepository
	Runner      sandbox.Runner
	Scorer      *scoring.Scorer
	Cache       features.Cache
}

type gradingService struct {
	deps   GradingDeps
	config GradingConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewGradingService constructs the grading pipeline.
func NewGradingService(deps GradingDeps, cfg GradingConfig, logger zerolog.Logger) GradingService {
	if deps.Scorer == nil {
		deps.Scorer = scoring.NewScorer(scoring.DefaultConfig())
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 4
	}
	if cfg.PatternSlots < 0 {
		cfg.PatternSlots = 0
	}

	return &gradingService{
		deps:   deps,
		config: cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/internal/service/grading"),
		logger: logger.With().Str("component", "grading_service").Logger(),
	}
}

// Schema returns the feature schema vectors for the assignment carry.
func (s *gradingService) Schema(assignment models.Assignment) string {
	return s.extractor(assignment).Schema()
}

func (s *gradingService) extractor(assignment models.Assignment) *features.Extractor {
	if assignment.PatternSlots > 0 {
		return features.NewExtractor(assignment.PatternSlots)
	}
	return features.NewExtractor(s.config.PatternSlots)
}

// Grade scores one submission. Sandbox faults yield an ungradable score;
// unknown records and store faults are returned as errors.
func (s *gradingService) Grade(ctx context.Context, submissionID uint) (scoring.Score, error) {
	ctx, span := s.tracer.Start(ctx, "grading.grade", trace.WithAttributes(
		attribute.Int64("submission_id", int64(submissionID)),
	))
	defer span.End()

	start := time.Now()
	score, err := s.grade(ctx, submissionID)
	observability.GradeDuration().Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return scoring.Score{}, err
	}

	observability.Grades().WithLabelValues(score.Source, score.Status).Inc()
	span.SetAttributes(
		attribute.String("source", score.Source),
		attribute.String("status", score.Status),
		attribute.Float64("total", score.Total),
	)
	return score, nil
}

func (s *gradingService) grade(ctx context.Context, submissionID uint) (scoring.Score, error) {
	submission, err := s.deps.Submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return scoring.Score{}, ErrSubmissionNotFound
		}
		return scoring.Score{}, fmt.Errorf("load submission: %w", err)
	}

	assignment, rubric, err := s.scope(ctx, submission.AssignmentID)
	if err != nil {
		return scoring.Score{}, err
	}

	extractor := s.extractor(assignment)
	extraction, err := s.extract(ctx, extractor, submission, assignment, rubric)
	if err != nil {
		if errors.Is(err, sandbox.ErrAborted) || ctx.Err() != nil {
			return scoring.Score{}, err
		}
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("submission could not be executed")
		score := scoring.Ungradable(rubric, err.Error())
		score.SubmissionID = submission.ID
		score.AssignmentID = submission.AssignmentID
		return score, s.save(ctx, score, extractor.Schema(), nil)
	}

	score := s.deps.Scorer.Score(rubric, extraction.Diagnostics)
	score.SubmissionID = submission.ID
	score.AssignmentID = submission.AssignmentID

	learned, ok, err := s.predict(ctx, assignment.ID, extraction.Vector, &score)
	if err != nil {
		return scoring.Score{}, err
	}
	if ok {
		score = s.config.Blend.Apply(score, learned)
	}

	return score, s.save(ctx, score, extraction.Vector.Schema, extraction.Vector.Values)
}

// GradeAssignment grades every submission of the assignment concurrently. A
// failure for one submission turns into an ungradable score for it alone.
func (s *gradingService) GradeAssignment(ctx context.Context, assignmentID uint) ([]scoring.Score, error) {
	_, rubric, err := s.scope(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	submissions, err := s.deps.Submissions.ListByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	scores := make([]scoring.Score, len(submissions))
	var group errgroup.Group
	group.SetLimit(s.config.BatchWorkers)
	for i, submission := range submissions {
		group.Go(func() error {
			score, err := s.Grade(ctx, submission.ID)
			if err != nil {
				s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("submission ungradable")
				score = scoring.Ungradable(rubric, err.Error())
				score.SubmissionID = submission.ID
				score.AssignmentID = assignmentID
			}
			scores[i] = score
			return nil
		})
	}
	_ = group.Wait()

	return scores, nil
}

// Extract runs the sandbox and the feature extractor for a submission without
// scoring it.
func (s *gradingService) Extract(ctx context.Context, submission models.Submission) (features.Extraction, error) {
	assignment, rubric, err := s.scope(ctx, submission.AssignmentID)
	if err != nil {
		return features.Extraction{}, err
	}
	return s.extract(ctx, s.extractor(assignment), submission, assignment, rubric)
}

func (s *gradingService) scope(ctx context.Context, assignmentID uint) (models.Assignment, models.Rubric, error) {
	assignment, err := s.deps.Assignments.GetByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Assignment{}, models.Rubric{}, ErrAssignmentNotFound
		}
		return models.Assignment{}, models.Rubric{}, fmt.Errorf("load assignment: %w", err)
	}

	rubric, err := s.deps.Rubrics.GetByAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Assignment{}, models.Rubric{}, ErrRubricNotFound
		}
		return models.Assignment{}, models.Rubric{}, fmt.Errorf("load rubric: %w", err)
	}

	return assignment, rubric, nil
}

func (s *gradingService) extract(ctx context.Context, extractor *features.Extractor, submission models.Submission, assignment models.Assignment, rubric models.Rubric) (features.Extraction, error) {
	key := features.CacheKey(extractor.Schema(), s.deps.Runner.Name(), submission, assignment.ReferenceCells, rubric)
	if s.deps.Cache != nil {
		if cached, ok := s.deps.Cache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	result, err := s.deps.Runner.Run(ctx, sandbox.Request{
		SubmissionID: submission.ID,
		Language:     submission.Language,
		Cells:        submission.Cells,
		Outputs:      submission.Outputs,
	})
	if err != nil {
		return features.Extraction{}, err
	}

	extraction := extractor.Extract(features.Input{
		Cells:     submission.Cells,
		Execution: result,
		Reference: assignment.ReferenceCells,
		Rubric:    rubric,
	})
	if s.deps.Cache != nil && !result.Transient() {
		s.deps.Cache.Set(ctx, key, extraction)
	}
	return extraction, nil
}

// predict consults the active model. It reports false when the rubric score
// should stand; unusable models are noted on the score rather than hidden.
func (s *gradingService) predict(ctx context.Context, assignmentID uint, vector features.Vector, score *scoring.Score) (scoring.Learned, bool, error) {
	if s.deps.Models == nil {
		return scoring.Learned{}, false, nil
	}

	active, err := s.deps.Models.ReadActive(ctx, assignmentID)
	if err != nil {
		return scoring.Learned{}, false, fmt.Errorf("read active model: %w", err)
	}
	if active == nil {
		observability.LearnedFallbacks().WithLabelValues("unavailable").Inc()
		return scoring.Learned{}, false, nil
	}

	model, err := learning.Decode(active.Parameters)
	if err != nil {
		return scoring.Learned{}, false, fmt.Errorf("active model v%d: %w", active.Version, err)
	}

	predicted, err := model.Predict(vector)
	if err != nil {
		var mismatch *learning.SchemaMismatchError
		reason := "predict_failed"
		if errors.As(err, &mismatch) {
			reason = "schema_mismatch"
		}
		observability.LearnedFallbacks().WithLabelValues(reason).Inc()
		score.Warnings = append(score.Warnings, fmt.Sprintf("learned model v%d not used: %v", active.Version, err))
		s.logger.Warn().Err(err).Uint("assignment_id", assignmentID).Int("model_version", active.Version).Msg("learned prediction skipped")
		return scoring.Learned{}, false, nil
	}

	if active.CorpusSize < s.config.Blend.MinConfidence {
		observability.LearnedFallbacks().WithLabelValues("low_confidence").Inc()
	}

	return scoring.Learned{
		Total:        predicted,
		ModelVersion: active.Version,
		CorpusSize:   active.CorpusSize,
	}, true, nil
}

func (s *gradingService) save(ctx context.Context, score scoring.Score, schema string, vector []float64) error {
	if s.deps.Grades == nil {
		return nil
	}
	record := score.Record(schema, vector)
	if err := s.deps.Grades.Save(ctx, &record); err != nil {
		return fmt.Errorf("save grade: %w", err)
	}
	return nil
}
