package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-marking-api/internal/models"
)

func TestAssignmentResultsGroupsSubmissionsByActivity(t *testing.T) {
	f := newMarkingFixture(t)
	ctx := context.Background()

	text := f.seedActivity(t, "act-1", models.ActivityTypeShortText, "c1")
	f.seedActivity(t, "act-2", "multiple-choice-question")
	f.seedSubmission(t, text.ID, "pupil-2", models.AnswerBody{Answer: "b", AIModelScore: floatPtr(0.9)})
	f.seedSubmission(t, text.ID, "pupil-1", models.AnswerBody{Answer: "a"})

	resp, err := f.results.GetResults(ctx, testAssignmentID)
	require.NoError(t, err)
	require.Equal(t, testAssignmentID, resp.AssignmentID)
	require.Equal(t, "group-7", resp.GroupID)
	require.Equal(t, "lesson-1", resp.LessonID)
	require.Len(t, resp.Activities, 2)

	first := resp.Activities[0]
	require.Equal(t, "act-1", first.ActivityID)
	require.Equal(t, []string{"c1"}, first.CriterionIDs)
	require.Len(t, first.Submissions, 2)
	require.Equal(t, "pupil-1", first.Submissions[0].PupilID)
	require.Equal(t, map[string]float64{"c1": 0}, first.Submissions[0].SuccessCriteriaScores)
	require.Equal(t, map[string]float64{"c1": 0.9}, first.Submissions[1].SuccessCriteriaScores)
	require.Empty(t, resp.Activities[1].Submissions)

	_, err = f.results.GetResults(ctx, "bad")
	require.ErrorIs(t, err, ErrInvalidAssignmentID)
}

func TestAssignmentResultsNormalisesEditedCriteria(t *testing.T) {
	f := newMarkingFixture(t)

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText, "c1", "c3")
	f.seedSubmission(t, activity.ID, "pupil-1", models.AnswerBody{
		Answer:                "a",
		AIModelScore:          floatPtr(0.6),
		SuccessCriteriaScores: map[string]float64{"c1": 0.2, "c2": 1},
	})

	resp, err := f.results.GetResults(context.Background(), testAssignmentID)
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"c1": 0.2, "c3": 0.6}, resp.Activities[0].Submissions[0].SuccessCriteriaScores)
}

func TestAssignmentResultsCacheAndInvalidate(t *testing.T) {
	f := newMarkingFixture(t)
	ctx := context.Background()
	cached := NewAssignmentResultsService(f.activities, f.submissions, f.redis, time.Minute, zerolog.Nop())

	activity := f.seedActivity(t, "act-1", models.ActivityTypeShortText)
	f.seedSubmission(t, activity.ID, "pupil-1", models.AnswerBody{Answer: "a"})

	first, err := cached.GetResults(ctx, testAssignmentID)
	require.NoError(t, err)
	require.True(t, f.mini.Exists(resultsCacheKey(testAssignmentID)))

	f.seedSubmission(t, activity.ID, "pupil-2", models.AnswerBody{Answer: "b"})

	stale, err := cached.GetResults(ctx, testAssignmentID)
	require.NoError(t, err)
	require.Len(t, stale.Activities[0].Submissions, len(first.Activities[0].Submissions))

	require.NoError(t, cached.Invalidate(ctx, testAssignmentID))
	fresh, err := cached.GetResults(ctx, testAssignmentID)
	require.NoError(t, err)
	require.Len(t, fresh.Activities[0].Submissions, 2)

	require.ErrorIs(t, cached.Invalidate(ctx, "bad"), ErrInvalidAssignmentID)
}
