package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/service"
	"github.com/noah-isme/gema-marking-api/internal/utils"
)

// AssignmentResultsHandler serves the results view and its live marking updates.
type AssignmentResultsHandler struct {
	results   service.AssignmentResultsService
	realtime  service.MarkingResultsService
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewAssignmentResultsHandler constructs the handler. keepAlive controls the SSE heartbeat and websocket ping interval.
func NewAssignmentResultsHandler(results service.AssignmentResultsService, realtime service.MarkingResultsService, logger zerolog.Logger, keepAlive time.Duration) *AssignmentResultsHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &AssignmentResultsHandler{
		results:   results,
		realtime:  realtime,
		logger:    logger.With().Str("component", "assignment_results_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the results routes under /assignments.
func (h *AssignmentResultsHandler) Register(router fiber.Router) {
	router.Get("/:assignmentId/results", h.get)
	router.Get("/:assignmentId/results/stream", h.stream)

	router.Use("/:assignmentId/results/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		assignmentID, ok := h.assignmentParam(c)
		if !ok {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid group assignment id")
		}
		c.Locals("assignment_id", assignmentID)
		return c.Next()
	})
	router.Get("/:assignmentId/results/ws", websocket.New(h.handleConnection))
}

func (h *AssignmentResultsHandler) get(c *fiber.Ctx) error {
	response, err := h.results.GetResults(requestContext(c), c.Params("assignmentId"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidAssignmentID) {
			return utils.Fail(c, fiber.StatusBadRequest, "invalid group assignment id", err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to build assignment results")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
	return utils.SendSuccess(c, "assignment results", response)
}

func (h *AssignmentResultsHandler) stream(c *fiber.Ctx) error {
	assignmentID, ok := h.assignmentParam(c)
	if !ok {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid group assignment id")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	events, cleanup := h.realtime.Subscribe(assignmentID)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		if err := writeKeepAlive(w); err != nil {
			return
		}

		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := writeMarkingEvent(w, event); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write marking event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write marking keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *AssignmentResultsHandler) handleConnection(conn *websocket.Conn) {
	assignmentID, _ := conn.Locals("assignment_id").(string)
	events, cleanup := h.realtime.Subscribe(assignmentID)
	defer cleanup()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	h.logger.Debug().Str("assignment_id", assignmentID).Msg("results websocket connected")
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Msg("failed to write marking event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-closed:
			h.logger.Debug().Str("assignment_id", assignmentID).Msg("results websocket disconnected")
			return
		}
	}
}

func (h *AssignmentResultsHandler) assignmentParam(c *fiber.Ctx) (string, bool) {
	assignment, err := models.ParseGroupAssignmentID(strings.TrimSpace(c.Params("assignmentId")))
	if err != nil {
		return "", false
	}
	return assignment.ID(), true
}

func writeMarkingEvent(w *bufio.Writer, event dto.MarkingResultEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: marking-result\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
