package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/pkg/ai"
)

func newTestSubmissionService(f *markingFixture, marker ai.Marker) SubmissionService {
	queue := newTestQueueService(f, &fakeDispatcher{}, "https://api.example.com")
	return NewSubmissionService(SubmissionServiceDeps{
		Submissions: f.submissions,
		Activities:  f.activities,
		Queue:       queue,
		Marker:      marker,
		Results:     f.results,
		Realtime:    f.realtime,
		Audit:       f.audit,
		Validator:   f.validate,
	}, zerolog.Nop())
}

func TestSaveAnswerCreatesSubmissionAndQueuesMarking(t *testing.T) {
	f := newMarkingFixture(t)
	svc := newTestSubmissionService(f, nil)
	ctx := context.Background()

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText, "c1")

	resp, err := svc.SaveAnswer(ctx, "pupil-1", activity.ID, dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "photosynthesis"})
	require.NoError(t, err)
	require.True(t, resp.MarkingQueued)
	require.Equal(t, "photosynthesis", resp.Answer)
	require.Equal(t, map[string]float64{"c1": 0}, resp.SuccessCriteriaScores)
	require.False(t, resp.IsCorrect)

	jobs := f.jobsFor(t, resp.ID)
	require.Len(t, jobs, 1)
	require.Equal(t, testAssignmentID, jobs[0].AssignmentID)

	again, err := svc.SaveAnswer(ctx, "pupil-1", activity.ID, dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "photosynthesis"})
	require.NoError(t, err)
	require.Equal(t, resp.ID, again.ID)
	require.False(t, again.MarkingQueued, "an active job already covers the submission")
	require.Len(t, f.jobsFor(t, resp.ID), 1)
}

func TestSaveAnswerChangedAnswerDropsAIResult(t *testing.T) {
	f := newMarkingFixture(t)
	svc := newTestSubmissionService(f, nil)
	ctx := context.Background()

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText, "c1")
	submission := f.seedSubmission(t, activity.ID, "pupil-1", models.AnswerBody{
		Answer:               "old",
		AIModelScore:         floatPtr(0.9),
		AIModelFeedback:      stringPtr("great"),
		TeacherOverrideScore: floatPtr(0.4),
	})

	resp, err := svc.SaveAnswer(ctx, "pupil-1", activity.ID, dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "new"})
	require.NoError(t, err)
	require.Equal(t, submission.ID, resp.ID)
	require.True(t, resp.MarkingQueued)

	body := f.reloadSubmission(t, activity.ID, "pupil-1").Answer()
	require.Equal(t, "new", body.Answer)
	require.Nil(t, body.AIModelScore)
	require.Nil(t, body.AIModelFeedback)
	require.InDelta(t, 0.4, *body.TeacherOverrideScore, 1e-9)
	require.Equal(t, map[string]float64{"c1": 0.4}, body.SuccessCriteriaScores)
}

func TestSaveAnswerUnchangedMarkedAnswerIsNotRequeued(t *testing.T) {
	f := newMarkingFixture(t)
	svc := newTestSubmissionService(f, nil)

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText)
	submission := f.seedSubmission(t, activity.ID, "pupil-1", models.AnswerBody{Answer: "same", AIModelScore: floatPtr(0.5)})

	resp, err := svc.SaveAnswer(context.Background(), "pupil-1", activity.ID, dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "same"})
	require.NoError(t, err)
	require.False(t, resp.MarkingQueued)
	require.InDelta(t, 0.5, *resp.AIModelScore, 1e-9)
	require.Empty(t, f.jobsFor(t, submission.ID))
}

func TestSaveAnswerSkipsQueueForUnmarkableOrEmptyAnswers(t *testing.T) {
	f := newMarkingFixture(t)
	svc := newTestSubmissionService(f, nil)
	ctx := context.Background()

	choice := f.seedActivity(t, "act-mc", "multiple-choice-question")
	text := f.seedActivity(t, "act-1", models.ActivityTypeShortText)

	resp, err := svc.SaveAnswer(ctx, "pupil-1", choice.ID, dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "B"})
	require.NoError(t, err)
	require.False(t, resp.MarkingQueued)

	resp, err = svc.SaveAnswer(ctx, "pupil-1", text.ID, dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "   "})
	require.NoError(t, err)
	require.False(t, resp.MarkingQueued)

	var count int64
	require.NoError(t, f.db.Model(&models.MarkingJob{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSaveAnswerValidatesAssignmentAndActivity(t *testing.T) {
	f := newMarkingFixture(t)
	svc := newTestSubmissionService(f, nil)
	ctx := context.Background()

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText)

	_, err := svc.SaveAnswer(ctx, "pupil-1", activity.ID, dto.SaveAnswerRequest{GroupAssignmentID: "group-7__lesson-2", Answer: "x"})
	require.ErrorIs(t, err, ErrInvalidAssignmentID)

	_, err = svc.SaveAnswer(ctx, "pupil-1", "missing", dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "x"})
	require.ErrorIs(t, err, ErrActivityNotFound)

	_, err = svc.SaveAnswer(ctx, "pupil-1", activity.ID, dto.SaveAnswerRequest{Answer: "x"})
	require.Error(t, err)

	_, err = svc.SaveAnswer(ctx, "", activity.ID, dto.SaveAnswerRequest{GroupAssignmentID: testAssignmentID, Answer: "x"})
	require.Error(t, err)
}

func TestApplyOverrideRecomputesDerivedScores(t *testing.T) {
	f := newMarkingFixture(t)
	svc := newTestSubmissionService(f, nil)
	ctx := context.Background()
	actor := Actor{ID: "teacher-1", Role: "teacher"}

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText, "c1", "c2")
	submission := f.seedSubmission(t, activity.ID, "pupil-1", models.AnswerBody{Answer: "x", AIModelScore: floatPtr(0.3)})

	events, cancel := f.realtime.Subscribe(testAssignmentID)
	defer cancel()

	resp, err := svc.ApplyOverride(ctx, actor, submission.ID, dto.OverrideRequest{GroupAssignmentID: testAssignmentID, Score: floatPtr(0.95)})
	require.NoError(t, err)
	require.True(t, resp.IsCorrect)
	require.InDelta(t, 0.95, *resp.EffectiveScore, 1e-9)
	require.Equal(t, map[string]float64{"c1": 0.95, "c2": 0.95}, resp.SuccessCriteriaScores)
	require.Len(t, events, 1)

	cleared, err := svc.ApplyOverride(ctx, actor, submission.ID, dto.OverrideRequest{})
	require.NoError(t, err)
	require.Nil(t, cleared.TeacherOverrideScore)
	require.False(t, cleared.IsCorrect)
	require.Equal(t, map[string]float64{"c1": 0.3, "c2": 0.3}, cleared.SuccessCriteriaScores)

	_, err = svc.ApplyOverride(ctx, actor, submission.ID, dto.OverrideRequest{Score: floatPtr(1.5)})
	require.Error(t, err)

	_, err = svc.ApplyOverride(ctx, actor, "missing", dto.OverrideRequest{Score: floatPtr(0.5)})
	require.ErrorIs(t, err, ErrSubmissionNotFound)

	var audits []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", AuditActionOverride).Find(&audits).Error)
	require.Len(t, audits, 2)
	require.Equal(t, submission.ID, audits[0].EntityID)
}

func TestMarkNowAppliesSynchronousResult(t *testing.T) {
	f := newMarkingFixture(t)
	marker := &fakeMarker{result: ai.MarkingResult{Score: 0.7, Feedback: "<i>Nearly</i>"}}
	svc := newTestSubmissionService(f, marker)
	ctx := context.Background()
	actor := Actor{ID: "teacher-1", Role: "teacher"}

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText, "c1")
	submission := f.seedSubmission(t, activity.ID, "pupil-1", models.AnswerBody{Answer: "x"})

	resp, err := svc.MarkNow(ctx, actor, submission.ID, dto.MarkNowRequest{GroupAssignmentID: testAssignmentID})
	require.NoError(t, err)
	require.Equal(t, 1, marker.calls)
	require.InDelta(t, 0.7, *resp.AIModelScore, 1e-9)
	require.Equal(t, "Nearly", *resp.AIModelFeedback)
	require.Equal(t, map[string]float64{"c1": 0.7}, resp.SuccessCriteriaScores)
	require.Empty(t, f.jobsFor(t, submission.ID), "synchronous marking bypasses the queue")

	var audits []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", AuditActionMarkNow).Find(&audits).Error)
	require.Len(t, audits, 1)
}

func TestMarkNowErrors(t *testing.T) {
	f := newMarkingFixture(t)
	ctx := context.Background()
	actor := Actor{ID: "teacher-1", Role: "teacher"}

	text := f.seedActivity(t, "act-1", models.ActivityTypeShortText)
	choice := f.seedActivity(t, "act-mc", "multiple-choice-question")
	textSubmission := f.seedSubmission(t, text.ID, "pupil-1", models.AnswerBody{Answer: "x"})
	choiceSubmission := f.seedSubmission(t, choice.ID, "pupil-1", models.AnswerBody{Answer: "B"})

	_, err := newTestSubmissionService(f, nil).MarkNow(ctx, actor, textSubmission.ID, dto.MarkNowRequest{})
	require.ErrorIs(t, err, ErrMarkingNotConfigured)

	failing := newTestSubmissionService(f, &fakeMarker{err: errors.New("upstream down")})
	_, err = failing.MarkNow(ctx, actor, textSubmission.ID, dto.MarkNowRequest{})
	require.ErrorContains(t, err, "upstream down")

	marker := &fakeMarker{result: ai.MarkingResult{Score: 1}}
	_, err = newTestSubmissionService(f, marker).MarkNow(ctx, actor, choiceSubmission.ID, dto.MarkNowRequest{})
	require.ErrorIs(t, err, ErrActivityNotMarkable)
	require.Zero(t, marker.calls)
}

func TestSubmissionGet(t *testing.T) {
	f := newMarkingFixture(t)
	svc := newTestSubmissionService(f, nil)

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText)
	submission := f.seedSubmission(t, activity.ID, "pupil-1", models.AnswerBody{Answer: "x"})

	resp, err := svc.Get(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, "pupil-1", resp.PupilID)

	_, err = svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}
