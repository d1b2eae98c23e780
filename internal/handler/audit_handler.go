package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/service"
	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// AuditHandler lists the audit trail of manual marking actions.
type AuditHandler struct {
	service service.AuditService
	logger  zerolog.Logger
}

// NewAuditHandler constructs the audit handler.
func NewAuditHandler(service service.AuditService, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger.With().Str("component", "audit_handler").Logger(),
	}
}

// Register binds the audit routes.
func (h *AuditHandler) Register(router fiber.Router) {
	router.Get("", h.list)
}

func (h *AuditHandler) list(c *fiber.Ctx) error {
	var req dto.AuditLogListRequest
	if err := c.QueryParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	result, err := h.service.List(requestContext(c), req)
	if err != nil {
		if isValidationError(err) {
			return utils.Fail(c, fiber.StatusBadRequest, "invalid request", err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list audit logs")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}

	return utils.OK(c, result.Items, "audit logs", result.Pagination)
}
