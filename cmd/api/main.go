package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/config"
	"github.com/noah-isme/gema-marking-api/internal/database"
	"github.com/noah-isme/gema-marking-api/internal/handler"
	"github.com/noah-isme/gema-marking-api/internal/middleware"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/repository"
	"github.com/noah-isme/gema-marking-api/internal/router"
	"github.com/noah-isme/gema-marking-api/internal/scheduler"
	"github.com/noah-isme/gema-marking-api/internal/service"
	"github.com/noah-isme/gema-marking-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectWithRetry(cfg.DatabaseDriver, database.DefaultRetryPolicy, logger, func() (*gorm.DB, error) {
		if cfg.DatabaseDriver == "sqlite" {
			return database.ConnectSQLite(cfg.DatabaseURL)
		}
		return database.ConnectPostgres(cfg.DatabaseURL)
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectWithRetry("redis", database.DefaultRetryPolicy, logger, func() (*redis.Client, error) {
			return database.ConnectRedis(cfg.RedisURL)
		})
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectWithRetry("nats", database.DefaultRetryPolicy, logger, func() (*nats.Conn, error) {
			return database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		})
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	dispatcher, marker := buildMarkingClients(cfg, logger)
	if cfg.MarkServiceKey == "" || cfg.MarkingCallbackBaseURL == "" || cfg.QueueProcessorSecret == "" {
		logger.Warn().Msg("marking pipeline is partially configured; affected endpoints will answer with a configuration error")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	queueRepo := repository.NewMarkingQueueRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)

	auditService := service.NewAuditService(auditRepo, validate, logger)
	resultsService := service.NewAssignmentResultsService(activityRepo, submissionRepo, redisClient, cfg.ResultsCacheTTL, logger)
	realtimeService := service.NewMarkingResultsService(redisClient, cfg.RealtimeChannel, natsConn, logger)
	queueService := service.NewMarkingQueueService(queueRepo, submissionRepo, activityRepo, dispatcher, auditService, validate,
		service.MarkingQueueConfig{CallbackBaseURL: cfg.MarkingCallbackBaseURL, DispatchTimeout: cfg.MarkingDispatchTimeout}, logger)
	maintenanceService := service.NewQueueMaintenanceService(queueRepo, models.MaxMarkingAttempts, logger)
	webhookService := service.NewMarkingWebhookService(activityRepo, submissionRepo, queueRepo, resultsService, realtimeService, logger)
	submissionService := service.NewSubmissionService(service.SubmissionServiceDeps{
		Submissions: submissionRepo,
		Activities:  activityRepo,
		Queue:       queueService,
		Marker:      marker,
		Results:     resultsService,
		Realtime:    realtimeService,
		Audit:       auditService,
		Validator:   validate,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	realtimeService.Start(ctx)

	var jobs *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		jobs = scheduler.New(logger, time.Minute)
		if err := scheduler.RegisterMarkingTasks(jobs, scheduler.MarkingSchedules{
			Recovery:        cfg.RecoverySchedule,
			Prune:           cfg.PruneSchedule,
			Dispatch:        cfg.DispatchSchedule,
			DrainLimit:      cfg.DispatchDrainLimit,
			DispatchTimeout: cfg.MarkingDispatchTimeout,
		}, queueService, maintenanceService); err != nil {
			log.Fatalf("failed to register marking schedules: %v", err)
		}
		jobs.Start(ctx)
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.AllowedOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		MarkingWebhookHandler:    handler.NewMarkingWebhookHandler(webhookService, logger),
		MarkingQueueHandler:      handler.NewMarkingQueueHandler(queueService, logger),
		SubmissionHandler:        handler.NewSubmissionHandler(submissionService, logger),
		AssignmentResultsHandler: handler.NewAssignmentResultsHandler(resultsService, realtimeService, logger, cfg.StreamKeepAlive),
		AuditHandler:             handler.NewAuditHandler(auditService, logger),
		JWTMiddleware:            middleware.JWTProtected(cfg.JWTSecret),
		HealthProbes:             healthProbes(db, redisClient, natsConn),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, func() {
		if jobs != nil {
			jobs.Stop()
		}
		cancel()
	})
}

// buildMarkingClients returns the asynchronous dispatcher and the synchronous marker. Either may be nil
// when its settings are missing.
func buildMarkingClients(cfg config.Config, logger zerolog.Logger) (ai.Dispatcher, ai.Marker) {
	var dispatcher ai.Dispatcher
	var marker ai.Marker

	if cfg.MarkingServiceURL != "" {
		client, err := ai.NewServiceClient(ai.ServiceClientConfig{
			BaseURL: cfg.MarkingServiceURL,
			APIKey:  cfg.MarkingServiceAPIKey,
			Timeout: cfg.MarkingDispatchTimeout,
			Logger:  logger,
		})
		if err != nil {
			log.Fatalf("failed to create marking service client: %v", err)
		}
		dispatcher = client
		if cfg.MarkingProvider == config.MarkingProviderService {
			marker = client
		}
	}

	if cfg.MarkingProvider == config.MarkingProviderOpenAI {
		openAIMarker, err := ai.NewOpenAIMarker(ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Logger:  logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("openai marker disabled")
		} else {
			marker = openAIMarker
		}
	}

	return dispatcher, marker
}

func waitForShutdown(app *fiber.App, stopWorkers func()) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopWorkers()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}

func healthProbes(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) []handler.HealthProbe {
	probes := []handler.HealthProbe{{Name: "database", Required: true, Check: database.PingDB(db)}}
	if redisClient != nil {
		probes = append(probes, handler.HealthProbe{Name: "redis", Check: database.PingRedis(redisClient)})
	}
	if natsConn != nil {
		probes = append(probes, handler.HealthProbe{Name: "nats", Check: database.NATSStatus(natsConn)})
	}
	return probes
}
