package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-marking-api/internal/config"
	"github.com/noah-isme/gema-marking-api/internal/utils"
)

const healthProbeTimeout = 2 * time.Second

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	Marking      MarkingReadiness  `json:"marking"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// MarkingReadiness reports which parts of the marking pipeline are configured.
type MarkingReadiness struct {
	Webhook    bool   `json:"webhook"`
	Dispatcher bool   `json:"dispatcher"`
	Trigger    bool   `json:"trigger"`
	Provider   string `json:"provider"`
}

// HealthProbe checks one backing service. A failing required probe turns
// the endpoint into a 503; optional ones only mark it degraded.
type HealthProbe struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, probes ...HealthProbe) fiber.Handler {
	readiness := MarkingReadiness{
		Webhook:    cfg.MarkServiceKey != "",
		Dispatcher: cfg.MarkingCallbackBaseURL != "" && cfg.MarkingServiceURL != "",
		Trigger:    cfg.QueueProcessorSecret != "",
		Provider:   cfg.MarkingProvider,
	}

	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Marking:     readiness,
		}

		status := fiber.StatusOK
		if len(probes) > 0 {
			payload.Dependencies = make(map[string]string, len(probes))
			ctx, cancel := context.WithTimeout(c.UserContext(), healthProbeTimeout)
			defer cancel()

			for _, probe := range probes {
				if err := probe.Check(ctx); err != nil {
					payload.Dependencies[probe.Name] = "down: " + err.Error()
					if probe.Required {
						payload.Status = "unavailable"
						status = fiber.StatusServiceUnavailable
					} else if payload.Status == "ok" {
						payload.Status = "degraded"
					}
					continue
				}
				payload.Dependencies[probe.Name] = "up"
			}
		}

		return utils.SendSuccessWithStatus(c, status, "service "+payload.Status, payload)
	}
}
