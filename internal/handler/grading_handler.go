package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// GradingHandler exposes the grading pipeline and narrative commentary.
type GradingHandler struct {
	grading    service.GradingService
	commentary service.CommentaryService
	logger     zerolog.Logger
}

// NewGradingHandler constructs the handler. commentary may be nil.
func NewGradingHandler(grading service.GradingService, commentary service.CommentaryService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		grading:    grading,
		commentary: commentary,
		logger:     logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches grading endpoints to the assignments and submissions groups.
// guards run before every grading route.
func (h *GradingHandler) Register(assignments, submissions fiber.Router, guards ...fiber.Handler) {
	submissions.Post("/:id/grade", chain(guards, h.grade)...)
	submissions.Post("/:id/commentary", chain(guards, h.comment)...)
	assignments.Post("/:id/grade", chain(guards, h.gradeAssignment)...)
}

func (h *GradingHandler) grade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	score, err := h.grading.Grade(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission graded", score)
}

func (h *GradingHandler) gradeAssignment(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	scores, err := h.grading.GradeAssignment(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("assignment_id", id).
		Int("submissions", len(scores)).
		Msg("assignment graded")

	return utils.SendSuccess(c, "assignment graded", scores)
}

func (h *GradingHandler) comment(c *fiber.Ctx) error {
	if h.commentary == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, service.ErrCommentaryUnavailable.Error())
	}

	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	commentary, err := h.commentary.Generate(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "commentary generated", commentary)
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrAssignmentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "assignment not found")
	case errors.Is(err, service.ErrRubricNotFound):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrCommentaryUnavailable):
		requestLogger(h.logger, c).Warn().Err(err).Msg("commentary unavailable")
		return utils.SendError(c, fiber.StatusServiceUnavailable, service.ErrCommentaryUnavailable.Error())
	default:
		return internalError(c, h.logger, err)
	}
}
