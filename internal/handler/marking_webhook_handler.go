package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/service"
	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// MarkingWebhookHandler receives marking results from the external marking service.
type MarkingWebhookHandler struct {
	service service.MarkingWebhookService
	logger  zerolog.Logger
}

// NewMarkingWebhookHandler constructs the webhook handler.
func NewMarkingWebhookHandler(service service.MarkingWebhookService, logger zerolog.Logger) *MarkingWebhookHandler {
	return &MarkingWebhookHandler{
		service: service,
		logger:  logger.With().Str("component", "marking_webhook_handler").Logger(),
	}
}

// Register binds the webhook route behind the supplied guards.
func (h *MarkingWebhookHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	router.Post("/webhook", append(guards, h.receive)...)
}

func (h *MarkingWebhookHandler) receive(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	req, err := dto.DecodeMarkingWebhook(c.Body())
	if err != nil {
		logger.Warn().Err(err).Msg("rejected marking webhook payload")
		return utils.Fail(c, fiber.StatusBadRequest, "invalid marking payload", err.Error())
	}

	resp, err := h.service.Apply(requestContext(c), req)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidAssignmentID):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid group assignment id", err.Error())
	case errors.Is(err, service.ErrActivityNotFound):
		return c.Status(fiber.StatusNotFound).JSON(resp)
	case errors.Is(err, service.ErrActivityNotMarkable):
		return c.Status(fiber.StatusAccepted).JSON(resp)
	default:
		logger.Error().Err(err).Msg("marking webhook failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}

	status := fiber.StatusOK
	if resp.Errors > 0 {
		// Replays are idempotent, so ask the marking service to retry.
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(resp)
}
