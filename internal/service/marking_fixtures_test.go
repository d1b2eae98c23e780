package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/database"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/repository"
	"github.com/noah-isme/gema-marking-api/pkg/ai"
)

const testAssignmentID = "group-7__lesson-1"

type markingFixture struct {
	db          *gorm.DB
	mini        *miniredis.Miniredis
	redis       *redis.Client
	validate    *validator.Validate
	queue       repository.MarkingQueueRepository
	submissions repository.SubmissionRepository
	activities  repository.ActivityRepository
	auditRepo   repository.AuditLogRepository
	audit       AuditService
	results     AssignmentResultsService
	realtime    MarkingResultsService
}

func newMarkingFixture(t *testing.T) *markingFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.ConnectSQLite(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	mini, err := miniredis.Run()
	require.NoError(t, err)
	redisClient := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	t.Cleanup(func() {
		_ = redisClient.Close()
		mini.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	fixture := &markingFixture{
		db:          db,
		mini:        mini,
		redis:       redisClient,
		validate:    validate,
		queue:       repository.NewMarkingQueueRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		activities:  repository.NewActivityRepository(db),
		auditRepo:   repository.NewAuditLogRepository(db),
	}
	fixture.audit = NewAuditService(fixture.auditRepo, validate, logger)
	fixture.results = NewAssignmentResultsService(fixture.activities, fixture.submissions, redisClient, 0, logger)
	fixture.realtime = NewMarkingResultsService(nil, "", nil, logger)

	return fixture
}

func (f *markingFixture) seedActivity(t *testing.T, id, activityType string, criteria ...string) models.Activity {
	t.Helper()

	activity := models.Activity{
		ID:          id,
		LessonID:    "lesson-1",
		Title:       "Activity " + id,
		Type:        activityType,
		Question:    "Why do leaves look green?",
		ModelAnswer: "Chlorophyll reflects green light",
	}
	for _, criterion := range criteria {
		activity.SuccessCriteria = append(activity.SuccessCriteria, models.ActivitySuccessCriterion{SuccessCriterionID: criterion})
	}
	require.NoError(t, f.db.Create(&activity).Error)
	return activity
}

func (f *markingFixture) seedSubmission(t *testing.T, activityID, pupilID string, body models.AnswerBody) models.Submission {
	t.Helper()

	submission := models.Submission{ActivityID: activityID, PupilID: pupilID}
	submission.SetAnswer(body)
	created, err := f.submissions.Create(context.Background(), &submission)
	require.NoError(t, err)
	require.True(t, created)
	return submission
}

func (f *markingFixture) reloadSubmission(t *testing.T, activityID, pupilID string) models.Submission {
	t.Helper()

	submission, err := f.submissions.FindByActivityAndPupil(context.Background(), activityID, pupilID)
	require.NoError(t, err)
	return submission
}

func (f *markingFixture) jobsFor(t *testing.T, submissionID string) []models.MarkingJob {
	t.Helper()

	var jobs []models.MarkingJob
	require.NoError(t, f.db.Where("submission_id = ?", submissionID).Order("created_at ASC").Find(&jobs).Error)
	return jobs
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []ai.MarkingRequest
	result   ai.DispatchResult
	err      error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req ai.MarkingRequest) (ai.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.result, d.err
}

func (d *fakeDispatcher) calls() []ai.MarkingRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ai.MarkingRequest(nil), d.requests...)
}

type fakeMarker struct {
	result ai.MarkingResult
	err    error
	calls  int
}

func (m *fakeMarker) Mark(_ context.Context, _ ai.MarkingRequest) (ai.MarkingResult, error) {
	m.calls++
	return m.result, m.err
}

func floatPtr(value float64) *float64 {
	return &value
}

func stringPtr(value string) *string {
	return &value
}
