package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/service"
	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// SubmissionHandler manages learner answers and teacher marking actions.
type SubmissionHandler struct {
	service service.SubmissionService
	logger  zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(service service.SubmissionService, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service: service,
		logger:  logger.With().Str("component", "submission_handler").Logger(),
	}
}

// RegisterLearner attaches the answer route under /activities.
func (h *SubmissionHandler) RegisterLearner(router fiber.Router) {
	router.Put("/:activityId/answer", h.saveAnswer)
}

// RegisterTeacher attaches the marking routes under /submissions.
func (h *SubmissionHandler) RegisterTeacher(router fiber.Router) {
	router.Get("/:id", h.get)
	router.Patch("/:id/override", h.override)
	router.Post("/:id/mark", h.markNow)
}

func (h *SubmissionHandler) saveAnswer(c *fiber.Ctx) error {
	pupilID := userIDFromContext(c)
	if pupilID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.SaveAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.service.SaveAnswer(requestContext(c), pupilID, c.Params("activityId"), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "answer saved", submission)
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	submission, err := h.service.Get(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission retrieved", submission)
}

func (h *SubmissionHandler) override(c *fiber.Ctx) error {
	var payload dto.OverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.service.ApplyOverride(requestContext(c), actorFromContext(c), c.Params("id"), payload)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "override applied", submission)
}

func (h *SubmissionHandler) markNow(c *fiber.Ctx) error {
	var payload dto.MarkNowRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	submission, err := h.service.MarkNow(requestContext(c), actorFromContext(c), c.Params("id"), payload)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "submission marked", submission)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrActivityNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "activity not found")
	case errors.Is(err, service.ErrActivityNotMarkable):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, "activity cannot be marked automatically")
	case errors.Is(err, service.ErrInvalidAssignmentID):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid group assignment id", err.Error())
	case errors.Is(err, service.ErrMarkingNotConfigured):
		return utils.SendError(c, fiber.StatusServiceUnavailable, "marking is not configured")
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request", err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("submission request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
