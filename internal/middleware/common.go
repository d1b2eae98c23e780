package middleware

import (
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Header names accepted from the marking service and the queue trigger.
const (
	HeaderCorrelationID     = "X-Correlation-ID"
	HeaderRequestID         = "X-Request-ID"
	HeaderMarkServiceKey    = "mark-service-key"
	HeaderQueueProcessorKey = "queue-processor-key"
)

// Config customises the middleware registration pipeline.
type Config struct {
	Logger       *zerolog.Logger
	AllowOrigins []string
	// AccessLog enables fiber's plain access log in addition to the structured request log.
	AccessLog bool
}

// Register attaches the middleware chain shared by every marking route.
func Register(app *fiber.App, cfg Config) {
	requestLogger := zerolog.New(io.Discard)
	if cfg.Logger != nil {
		requestLogger = *cfg.Logger
	}

	origins := "*"
	if len(cfg.AllowOrigins) > 0 {
		origins = strings.Join(cfg.AllowOrigins, ",")
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: cfg.Logger != nil}))
	app.Use(CorrelationID())
	app.Use(Observability(requestLogger))
	if cfg.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: strings.Join([]string{
			"Origin", "Content-Type", "Accept", "Authorization",
			HeaderCorrelationID, HeaderMarkServiceKey, HeaderQueueProcessorKey,
		}, ", "),
		AllowMethods:  "GET,POST,PUT,PATCH,OPTIONS",
		ExposeHeaders: HeaderCorrelationID,
	}))
}
