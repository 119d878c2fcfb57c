package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

// ErrCommentaryUnavailable indicates no language model is configured.
var ErrCommentaryUnavailable = errors.New("commentary unavailable")

// CommentaryService writes narrative feedback for graded submissions.
type CommentaryService interface {
	Generate(ctx context.Context, submissionID uint) (dto.CommentaryResponse, error)
}

type commentaryService struct {
	submissions repository.SubmissionRepository
	grades      repository.GradeRepository
	grading     GradingService
	commentator ai.Commentator
	logger      zerolog.Logger
}

// NewCommentaryService constructs the service. A nil commentator makes every
// request fail with ErrCommentaryUnavailable.
func NewCommentaryService(submissions repository.SubmissionRepository, grades repository.GradeRepository, grading GradingService, commentator ai.Commentator, logger zerolog.Logger) CommentaryService {
	return &commentaryService{
		submissions: submissions,
		grades:      grades,
		grading:     grading,
		commentator: commentator,
		logger:      logger.With().Str("component", "commentary_service").Logger(),
	}
}

// Generate comments on the latest grade, grading the submission first when it
// was never graded. The score itself is left untouched.
func (s *commentaryService) Generate(ctx context.Context, submissionID uint) (dto.CommentaryResponse, error) {
	if s.commentator == nil {
		return dto.CommentaryResponse{}, ErrCommentaryUnavailable
	}

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.CommentaryResponse{}, ErrSubmissionNotFound
		}
		return dto.CommentaryResponse{}, err
	}

	total, maxPoints, feedback, err := s.latestGrade(ctx, submissionID)
	if err != nil {
		return dto.CommentaryResponse{}, err
	}

	commentary, err := s.commentator.Comment(ctx, ai.CommentaryInput{
		AssignmentTitle: submission.Assignment.Title,
		Language:        submission.Language,
		Code:            strings.Join(models.CodeSources(submission.Cells), "\n\n# ---\n\n"),
		Narrative:       models.NarrativeText(submission.Cells),
		Total:           total,
		MaxPoints:       maxPoints,
		Feedback:        feedback,
	})
	if err != nil {
		return dto.CommentaryResponse{}, fmt.Errorf("%w: %v", ErrCommentaryUnavailable, err)
	}

	return dto.CommentaryResponse{
		SubmissionID: submissionID,
		Summary:      commentary.Summary,
		Strengths:    commentary.Strengths,
		Improvements: commentary.Improvements,
		Provider:     s.commentator.Provider(),
	}, nil
}

func (s *commentaryService) latestGrade(ctx context.Context, submissionID uint) (float64, float64, []string, error) {
	record, err := s.grades.LatestBySubmission(ctx, submissionID)
	if err == nil {
		return record.Total, record.MaxPoints, record.Feedback, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, nil, err
	}

	score, err := s.grading.Grade(ctx, submissionID)
	if err != nil {
		return 0, 0, nil, err
	}
	return score.Total, score.MaxPoints, score.Feedback, nil
}
