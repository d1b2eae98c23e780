package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-marking-api/internal/observability"
)

// Observability records request metrics, a server span and one structured
// log line for every /api route.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()
	tracer := otel.Tracer("github.com/noah-isme/gema-marking-api/internal/middleware")

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), "/api/") {
			return c.Next()
		}

		ctx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		c.SetUserContext(ctx)

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)
		surface := routeSurface(route)

		span.SetName(method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.String("gema.surface", surface),
		)
		if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, statusLabel)
		}

		observability.APIRequests().WithLabelValues(method, route, statusLabel).Inc()
		if !isStreamRoute(route) {
			observability.APILatency().WithLabelValues(method, route).Observe(duration.Seconds())
		}
		if status >= fiber.StatusBadRequest {
			observability.APIErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		event := logger.Info()
		msg := "request completed"
		switch {
		case status >= fiber.StatusInternalServerError:
			event, msg = logger.Error(), "request failed"
		case status >= fiber.StatusBadRequest:
			event, msg = logger.Warn(), "request completed with client error"
		}
		event.
			Str("correlation_id", GetCorrelationID(c)).
			Str("surface", surface).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Float64("latency_ms", float64(duration)/float64(time.Millisecond)).
			Str("latency_bucket", latencyBucket(duration)).
			Msg(msg)

		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}

// routeSurface names the caller population a route serves.
func routeSurface(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/v2/marking/webhook"):
		return "webhook"
	case strings.HasPrefix(route, "/api/v2/marking/queue"):
		return "trigger"
	case strings.HasPrefix(route, "/api/v2/admin"):
		return "admin"
	case strings.HasPrefix(route, "/api/v2/activities"):
		return "learner"
	case strings.HasPrefix(route, "/api/v2/submissions"), strings.HasPrefix(route, "/api/v2/assignments"):
		return "teacher"
	default:
		return "public"
	}
}

func isStreamRoute(route string) bool {
	return strings.HasSuffix(route, "/results/stream") || strings.HasSuffix(route, "/results/ws")
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 25*time.Millisecond:
		return "<=25ms"
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= 500*time.Millisecond:
		return "<=500ms"
	case duration <= 2*time.Second:
		return "<=2s"
	default:
		return ">2s"
	}
}
