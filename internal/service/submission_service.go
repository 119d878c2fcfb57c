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
	"github.com/noah-isme/gema-grader/internal/notebook"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// ErrStudentUnknown indicates neither the request nor the notebook names the student.
var ErrStudentUnknown = errors.New("student id missing from request and notebook")

// ErrLanguageMismatch indicates the notebook kernel differs from the assignment language.
var ErrLanguageMismatch = errors.New("notebook language does not match assignment")

// SubmissionService ingests notebooks as submissions.
type SubmissionService interface {
	Ingest(ctx context.Context, assignmentID uint, body []byte, query dto.SubmissionIngestQuery) (dto.SubmissionResponse, error)
}

type submissionService struct {
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewSubmissionService constructs a SubmissionService instance.
func NewSubmissionService(subRepo repository.SubmissionRepository, assignmentRepo repository.AssignmentRepository, validate *validator.Validate, logger zerolog.Logger) SubmissionService {
	if validate == nil {
		validate = validator.New()
	}
	return &submissionService{
		submissions: subRepo,
		assignments: assignmentRepo,
		validator:   validate,
		logger:      logger.With().Str("component", "submission_service").Logger(),
	}
}

// Ingest parses an nbformat v4 document and stores it for the assignment.
// Identity passed in the query wins over identity found in the notebook.
func (s *submissionService) Ingest(ctx context.Context, assignmentID uint, body []byte, query dto.SubmissionIngestQuery) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.SubmissionResponse{}, err
	}

	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, ErrAssignmentNotFound
		}
		return dto.SubmissionResponse{}, err
	}

	nb, err := notebook.Parse(body)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	language := strings.ToLower(nb.Language)
	if language == "" {
		language = assignment.Language
	}
	if assignment.Language != "" && language != assignment.Language {
		return dto.SubmissionResponse{}, fmt.Errorf("%w: got %s, want %s", ErrLanguageMismatch, language, assignment.Language)
	}

	studentID := firstNonEmpty(query.StudentID, nb.Student.ID)
	if studentID == "" {
		return dto.SubmissionResponse{}, ErrStudentUnknown
	}

	submission := models.Submission{
		AssignmentID: assignment.ID,
		StudentID:    studentID,
		StudentName:  firstNonEmpty(query.StudentName, nb.Student.Name),
		Language:     language,
		Cells:        nb.Cells,
		Outputs:      nb.Outputs,
	}
	if err := s.submissions.Create(ctx, &submission); err != nil {
		return dto.SubmissionResponse{}, fmt.Errorf("create submission: %w", err)
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("assignment_id", assignment.ID).
		Str("student_id", studentID).
		Int("cells", len(submission.Cells)).
		Msg("submission ingested")

	return dto.NewSubmissionResponse(submission), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
