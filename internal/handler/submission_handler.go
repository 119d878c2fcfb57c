package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/notebook"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// SubmissionHandler ingests notebook submissions.
type SubmissionHandler struct {
	service service.SubmissionService
	logger  zerolog.Logger
}

// NewSubmissionHandler constructs the handler.
func NewSubmissionHandler(service service.SubmissionService, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service: service,
		logger:  logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the ingest endpoint to the assignments group.
func (h *SubmissionHandler) Register(assignments fiber.Router) {
	assignments.Post("/:id/submissions", h.ingest)
}

// ingest accepts an nbformat v4 document as the raw request body. The student
// may be named with ?student_id= and ?student_name= or in notebook metadata.
func (h *SubmissionHandler) ingest(c *fiber.Ctx) error {
	assignmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var query dto.SubmissionIngestQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	// fasthttp reuses the body buffer once the handler returns.
	body := append([]byte(nil), c.Body()...)

	submission, err := h.service.Ingest(c.UserContext(), assignmentID, body, query)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("submission_id", submission.ID).
		Uint("assignment_id", assignmentID).
		Str("student_id", submission.StudentID).
		Msg("submission ingested")

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "submission ingested", submission)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrAssignmentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "assignment not found")
	case errors.Is(err, notebook.ErrNotJSON),
		errors.Is(err, notebook.ErrInvalidNotebook),
		errors.Is(err, service.ErrStudentUnknown),
		errors.Is(err, service.ErrLanguageMismatch):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case isValidationError(err):
		return utils.SendErrorWithDetails(c, fiber.StatusBadRequest, "validation failed", utils.ValidationDetails(err))
	default:
		return internalError(c, h.logger, err)
	}
}
