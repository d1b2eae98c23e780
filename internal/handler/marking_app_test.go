package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/config"
	"github.com/noah-isme/gema-marking-api/internal/database"
	"github.com/noah-isme/gema-marking-api/internal/handler"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/repository"
	"github.com/noah-isme/gema-marking-api/internal/router"
	"github.com/noah-isme/gema-marking-api/internal/service"
	"github.com/noah-isme/gema-marking-api/pkg/ai"
)

const (
	testMarkServiceKey = "mark-secret"
	testTriggerKey     = "trigger-secret"
	testAssignmentID   = "group-7__lesson-1"
)

type stubDispatcher struct {
	requests chan ai.MarkingRequest
}

func (d *stubDispatcher) Dispatch(_ context.Context, req ai.MarkingRequest) (ai.DispatchResult, error) {
	select {
	case d.requests <- req:
	default:
	}
	return ai.DispatchResult{StatusCode: http.StatusAccepted}, nil
}

type markingApp struct {
	app        *fiber.App
	db         *gorm.DB
	realtime   service.MarkingResultsService
	dispatcher *stubDispatcher
}

type appOptions struct {
	markServiceKey string
	triggerKey     string
	marker         ai.Marker
}

func defaultAppOptions() appOptions {
	return appOptions{markServiceKey: testMarkServiceKey, triggerKey: testTriggerKey}
}

func setupMarkingApp(t *testing.T, opts appOptions) *markingApp {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.ConnectSQLite(fmt.Sprintf("file:handler_%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())

	queueRepo := repository.NewMarkingQueueRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)

	dispatcher := &stubDispatcher{requests: make(chan ai.MarkingRequest, 16)}
	auditService := service.NewAuditService(auditRepo, validate, logger)
	resultsService := service.NewAssignmentResultsService(activityRepo, submissionRepo, nil, 0, logger)
	realtime := service.NewMarkingResultsService(nil, "", nil, logger)
	realtime.Start(context.Background())

	queueService := service.NewMarkingQueueService(queueRepo, submissionRepo, activityRepo, dispatcher, auditService, validate,
		service.MarkingQueueConfig{CallbackBaseURL: "https://api.example.com"}, logger)
	webhookService := service.NewMarkingWebhookService(activityRepo, submissionRepo, queueRepo, resultsService, realtime, logger)
	submissionService := service.NewSubmissionService(service.SubmissionServiceDeps{
		Submissions: submissionRepo,
		Activities:  activityRepo,
		Queue:       queueService,
		Marker:      opts.marker,
		Results:     resultsService,
		Realtime:    realtime,
		Audit:       auditService,
		Validator:   validate,
	}, logger)

	app := fiber.New()
	router.Register(app, config.Config{
		AppName:              "Test",
		JWTSecret:            "secret",
		MarkServiceKey:       opts.markServiceKey,
		QueueProcessorSecret: opts.triggerKey,
		AnswerRateLimit:      100,
	}, router.Dependencies{
		MarkingWebhookHandler:    handler.NewMarkingWebhookHandler(webhookService, logger),
		MarkingQueueHandler:      handler.NewMarkingQueueHandler(queueService, logger),
		SubmissionHandler:        handler.NewSubmissionHandler(submissionService, logger),
		AssignmentResultsHandler: handler.NewAssignmentResultsHandler(resultsService, realtime, logger, 50*time.Millisecond),
		AuditHandler:             handler.NewAuditHandler(auditService, logger),
		JWTMiddleware: func(c *fiber.Ctx) error {
			if user := c.Get("X-Test-User"); user != "" {
				c.Locals("user_id", user)
				c.Locals("user_role", c.Get("X-Test-Role"))
			}
			return c.Next()
		},
		HealthProbes: []handler.HealthProbe{{Name: "database", Required: true, Check: database.PingDB(db)}},
	})

	return &markingApp{app: app, db: db, realtime: realtime, dispatcher: dispatcher}
}

func (m *markingApp) seedActivity(t *testing.T, id, activityType string, criteria ...string) {
	t.Helper()

	activity := models.Activity{
		ID:          id,
		LessonID:    "lesson-1",
		Title:       "Activity " + id,
		Type:        activityType,
		Question:    "What is photosynthesis?",
		ModelAnswer: "Plants turning light into chemical energy",
	}
	for _, criterion := range criteria {
		activity.SuccessCriteria = append(activity.SuccessCriteria, models.ActivitySuccessCriterion{SuccessCriterionID: criterion})
	}
	require.NoError(t, m.db.Create(&activity).Error)
}

func (m *markingApp) findSubmission(t *testing.T, activityID, pupilID string) models.Submission {
	t.Helper()

	var submission models.Submission
	require.NoError(t, m.db.Where("activity_id = ? AND pupil_id = ?", activityID, pupilID).Take(&submission).Error)
	return submission
}

type testRequest struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func (m *markingApp) do(t *testing.T, req testRequest) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if req.body != "" {
		body = bytes.NewBufferString(req.body)
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	if req.body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := m.app.Test(httpReq, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func teacherHeaders() map[string]string {
	return map[string]string{"X-Test-User": "teacher-1", "X-Test-Role": "teacher"}
}

func pupilHeaders(id string) map[string]string {
	return map[string]string{"X-Test-User": id, "X-Test-Role": "student"}
}

func decodeEnvelope(t *testing.T, payload []byte, data interface{}) map[string]interface{} {
	t.Helper()

	var envelope struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &envelope))
	if data != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
	return map[string]interface{}{"success": envelope.Success, "message": envelope.Message}
}
