package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/learning"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// TrainingHandler records instructor corrections and manages learned models.
type TrainingHandler struct {
	service service.TrainingService
	logger  zerolog.Logger
}

// NewTrainingHandler constructs the handler.
func NewTrainingHandler(service service.TrainingService, logger zerolog.Logger) *TrainingHandler {
	return &TrainingHandler{
		service: service,
		logger:  logger.With().Str("component", "training_handler").Logger(),
	}
}

// Register attaches training endpoints to the assignments and submissions groups.
// guards run before the retrain route.
func (h *TrainingHandler) Register(assignments, submissions fiber.Router, guards ...fiber.Handler) {
	submissions.Post("/:id/corrections", h.recordCorrection)
	assignments.Post("/:id/retrain", chain(guards, h.retrain)...)
	assignments.Get("/:id/model", h.activeModel)
}

func (h *TrainingHandler) recordCorrection(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.CorrectionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	correction, err := h.service.RecordCorrection(c.UserContext(), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "correction recorded", dto.NewCorrectionResponse(correction))
}

func (h *TrainingHandler) retrain(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.Retrain(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "model retrained", result)
}

func (h *TrainingHandler) activeModel(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	model, err := h.service.ActiveModel(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}
	if model == nil {
		return utils.SendError(c, fiber.StatusNotFound, "no active model")
	}

	return utils.SendSuccess(c, "active model retrieved", dto.NewModelResponse(*model))
}

func (h *TrainingHandler) handleError(c *fiber.Ctx, err error) error {
	var insufficient *service.InsufficientDataError
	var mismatch *learning.SchemaMismatchError
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrAssignmentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "assignment not found")
	case isValidationError(err):
		return utils.SendErrorWithDetails(c, fiber.StatusBadRequest, "validation failed", utils.ValidationDetails(err))
	case errors.Is(err, service.ErrRetrainInProgress):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.As(err, &insufficient),
		errors.As(err, &mismatch),
		errors.Is(err, service.ErrInvalidCorrection),
		errors.Is(err, service.ErrRubricNotFound):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	default:
		return internalError(c, h.logger, err)
	}
}
