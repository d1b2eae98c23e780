package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/service"
	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// MarkingQueueHandler exposes the dispatcher trigger and the operator views of the queue.
type MarkingQueueHandler struct {
	service service.MarkingQueueService
	logger  zerolog.Logger
}

// NewMarkingQueueHandler constructs the queue handler.
func NewMarkingQueueHandler(service service.MarkingQueueService, logger zerolog.Logger) *MarkingQueueHandler {
	return &MarkingQueueHandler{
		service: service,
		logger:  logger.With().Str("component", "marking_queue_handler").Logger(),
	}
}

// RegisterTrigger binds the machine-to-machine dispatcher trigger behind the supplied guards.
func (h *MarkingQueueHandler) RegisterTrigger(router fiber.Router, guards ...fiber.Handler) {
	router.Post("/queue/process", append(guards, h.process)...)
}

// RegisterAdmin binds the operator routes.
func (h *MarkingQueueHandler) RegisterAdmin(router fiber.Router) {
	router.Get("/jobs", h.listJobs)
	router.Get("/stats", h.stats)
	router.Post("/jobs/:id/retry", h.retry)
}

func (h *MarkingQueueHandler) process(c *fiber.Ctx) error {
	drain, err := parseQueryInt(c, "drain")
	if err != nil || drain < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid drain")
	}

	ctx := requestContext(c)
	if drain > 0 {
		result, err := h.service.Drain(ctx, drain)
		if err != nil {
			return h.handleError(c, err)
		}
		return utils.SendSuccess(c, "marking queue drained", result)
	}

	result, err := h.service.ProcessNext(ctx)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "marking queue processed", result)
}

func (h *MarkingQueueHandler) listJobs(c *fiber.Ctx) error {
	var filter dto.MarkingJobFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	jobs, err := h.service.ListJobs(requestContext(c), filter)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.OK(c, jobs, "marking jobs", fiber.Map{"count": len(jobs)})
}

func (h *MarkingQueueHandler) stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(requestContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "marking queue stats", stats)
}

func (h *MarkingQueueHandler) retry(c *fiber.Ctx) error {
	job, err := h.service.RetryJob(requestContext(c), actorFromContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "marking job requeued", job)
}

func (h *MarkingQueueHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrMarkingNotConfigured):
		requestLogger(h.logger, c).Error().Err(err).Msg("marking dispatcher not configured")
		return utils.SendError(c, fiber.StatusInternalServerError, "marking dispatcher is not configured")
	case errors.Is(err, service.ErrMarkingJobNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "marking job not found")
	case errors.Is(err, service.ErrMarkingJobNotRetryable):
		return utils.SendError(c, fiber.StatusConflict, "only failed jobs can be retried")
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid request", err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("marking queue request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

// QueueDepth reports job counts per status for the metrics endpoint.
func (h *MarkingQueueHandler) QueueDepth(ctx context.Context) (map[string]int64, error) {
	stats, err := h.service.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int64{
		"pending":    stats.Pending,
		"processing": stats.Processing,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
	}, nil
}
