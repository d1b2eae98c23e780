package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/database"
	"github.com/noah-isme/gema-marking-api/internal/models"
)

func setupMarkingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func ageJob(t *testing.T, db *gorm.DB, jobID string, createdAt, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, db.Model(&models.MarkingJob{}).Where("id = ?", jobID).UpdateColumns(map[string]interface{}{
		"created_at": createdAt,
		"updated_at": updatedAt,
	}).Error)
}

func TestMarkingQueueEnqueueKeepsOneActiveJobPerSubmission(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	first, created, err := repo.Enqueue(ctx, "sub-1", "group__lesson")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.MarkingJobStatusPending, first.Status)

	_, created, err = repo.Enqueue(ctx, "sub-1", "group__lesson")
	require.NoError(t, err)
	require.False(t, created)

	var active int64
	require.NoError(t, db.Model(&models.MarkingJob{}).Where("submission_id = ?", "sub-1").Count(&active).Error)
	require.EqualValues(t, 1, active)

	claimed, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, created, err = repo.Enqueue(ctx, "sub-1", "group__lesson")
	require.NoError(t, err)
	require.False(t, created, "a processing job still blocks a new one")

	affected, err := repo.CompleteProcessing(ctx, "sub-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	_, created, err = repo.Enqueue(ctx, "sub-1", "group__lesson")
	require.NoError(t, err)
	require.True(t, created, "a completed job no longer counts as active")
}

func TestMarkingQueueConcurrentEnqueueCreatesOneRow(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := repo.Enqueue(context.Background(), "sub-race", "g__l")
			if err != nil {
				t.Error(err)
				return
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	createdCount := 0
	for created := range results {
		if created {
			createdCount++
		}
	}
	require.Equal(t, 1, createdCount)
}

func TestMarkingQueueClaimNextTakesOldestFirst(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	newer, _, err := repo.Enqueue(ctx, "sub-new", "g__l")
	require.NoError(t, err)
	older, _, err := repo.Enqueue(ctx, "sub-old", "g__l")
	require.NoError(t, err)
	ageJob(t, db, newer.ID, base.Add(time.Minute), base.Add(time.Minute))
	ageJob(t, db, older.ID, base, base)

	claimed, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, older.ID, claimed.ID)
	require.Equal(t, models.MarkingJobStatusProcessing, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	stored, err := repo.GetByID(ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusProcessing, stored.Status)
	require.Equal(t, 1, stored.Attempts)

	claimed, err = repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, newer.ID, claimed.ID)

	claimed, err = repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestMarkingQueueConcurrentClaimsNeverShareAJob(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	const jobs = 6
	for i := 0; i < jobs; i++ {
		_, _, err := repo.Enqueue(ctx, fmt.Sprintf("sub-%d", i), "g__l")
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < jobs*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
			if err != nil {
				t.Error(err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			claimed[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, count := range claimed {
		require.Equal(t, 1, count, "job %s claimed more than once", id)
	}

	remaining, err := repo.CountEligible(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestMarkingQueueRecordFailureRetriesThenFails(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	job, _, err := repo.Enqueue(ctx, "sub-fail", "g__l")
	require.NoError(t, err)

	for attempt := 1; attempt <= models.MaxMarkingAttempts; attempt++ {
		claimed, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, job.ID, claimed.ID)
		require.Equal(t, attempt, claimed.Attempts)

		status, err := repo.RecordFailure(ctx, job.ID, "upstream 503", models.MaxMarkingAttempts)
		require.NoError(t, err)
		if attempt < models.MaxMarkingAttempts {
			require.Equal(t, models.MarkingJobStatusPending, status)
		} else {
			require.Equal(t, models.MarkingJobStatusFailed, status)
		}
	}

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusFailed, stored.Status)
	require.Equal(t, models.MaxMarkingAttempts, stored.Attempts)
	require.NotNil(t, stored.LastError)
	require.Equal(t, "upstream 503", *stored.LastError)

	claimed, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.Nil(t, claimed)

	_, created, err := repo.Enqueue(ctx, "sub-fail", "g__l")
	require.NoError(t, err)
	require.True(t, created, "a failed job does not block a new submission job")
}

func TestMarkingQueueRecordFailureIgnoresJobsNotProcessing(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	job, _, err := repo.Enqueue(ctx, "sub-idle", "g__l")
	require.NoError(t, err)

	status, err := repo.RecordFailure(ctx, job.ID, "late failure", models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusPending, status)

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, stored.LastError)
}

func TestMarkingQueueCompleteProcessingLeavesPendingResubmission(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	_, _, err := repo.Enqueue(ctx, "sub-x", "g__l")
	require.NoError(t, err)
	inflight, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)

	// Force a second job alongside the in-flight one, as a resubmission racing a slow callback would.
	pendingJob := models.MarkingJob{ID: "pending-resubmission", SubmissionID: "sub-x", AssignmentID: "g__l", Status: models.MarkingJobStatusPending}
	require.NoError(t, db.Exec("DROP INDEX idx_marking_jobs_active_submission").Error)
	require.NoError(t, db.Create(&pendingJob).Error)

	affected, err := repo.CompleteProcessing(ctx, "sub-x")
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	done, err := repo.GetByID(ctx, inflight.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusCompleted, done.Status)

	still, err := repo.GetByID(ctx, pendingJob.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusPending, still.Status)
}

func TestMarkingQueueRecoverStuckReclaimsOnce(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	stuck, _, err := repo.Enqueue(ctx, "sub-stuck", "g__l")
	require.NoError(t, err)
	fresh, _, err := repo.Enqueue(ctx, "sub-fresh", "g__l")
	require.NoError(t, err)
	old := time.Now().UTC().Add(-time.Hour)
	ageJob(t, db, stuck.ID, old, old)

	_, err = repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	_, err = repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	ageJob(t, db, stuck.ID, old, time.Now().UTC().Add(-20*time.Minute))

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	recovered, err := repo.RecoverStuck(ctx, cutoff, "recovered: processing exceeded 10m0s", models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.EqualValues(t, 1, recovered)

	again, err := repo.RecoverStuck(ctx, cutoff, "recovered: processing exceeded 10m0s", models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.Zero(t, again)

	stored, err := repo.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.LastError)
	require.Contains(t, *stored.LastError, "recovered")

	other, err := repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusProcessing, other.Status)
}

func TestMarkingQueueRecoverStuckFailsExhaustedJob(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	job, _, err := repo.Enqueue(ctx, "sub-exhausted", "g__l")
	require.NoError(t, err)

	for i := 1; i < models.MaxMarkingAttempts; i++ {
		claimed, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		status, err := repo.RecordFailure(ctx, claimed.ID, "marking service unavailable", models.MaxMarkingAttempts)
		require.NoError(t, err)
		require.Equal(t, models.MarkingJobStatusPending, status)
	}
	last, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, models.MaxMarkingAttempts, last.Attempts)

	old := time.Now().UTC().Add(-time.Hour)
	ageJob(t, db, job.ID, old, old)

	recovered, err := repo.RecoverStuck(ctx, time.Now().UTC().Add(-10*time.Minute), "recovered: processing exceeded 10m0s", models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.EqualValues(t, 1, recovered)

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusFailed, stored.Status)
	require.Equal(t, models.MaxMarkingAttempts, stored.Attempts)

	eligible, err := repo.CountEligible(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.Zero(t, eligible)

	fresh, created, err := repo.Enqueue(ctx, "sub-exhausted", "g__l")
	require.NoError(t, err)
	require.True(t, created, "a failed job no longer holds the active slot")
	require.NotEqual(t, job.ID, fresh.ID)

	_, err = repo.Requeue(ctx, job.ID)
	require.ErrorIs(t, err, ErrActiveMarkingJobExists)
}

func TestMarkingQueuePruneCompletedKeepsFailedAndRecent(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)
	rows := []models.MarkingJob{
		{ID: "old-completed", SubmissionID: "a", AssignmentID: "g__l", Status: models.MarkingJobStatusCompleted},
		{ID: "recent-completed", SubmissionID: "b", AssignmentID: "g__l", Status: models.MarkingJobStatusCompleted},
		{ID: "old-failed", SubmissionID: "c", AssignmentID: "g__l", Status: models.MarkingJobStatusFailed, Attempts: 3},
		{ID: "old-pending", SubmissionID: "d", AssignmentID: "g__l", Status: models.MarkingJobStatusPending},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}
	ageJob(t, db, "old-completed", old, old)
	ageJob(t, db, "recent-completed", recent, recent)
	ageJob(t, db, "old-failed", old, old)
	ageJob(t, db, "old-pending", old, old)

	pruned, err := repo.PruneCompleted(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	var ids []string
	require.NoError(t, db.Model(&models.MarkingJob{}).Order("id").Pluck("id", &ids).Error)
	require.Equal(t, []string{"old-failed", "old-pending", "recent-completed"}, ids)
}

func TestMarkingQueueRequeueFailedJob(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	failed := models.MarkingJob{ID: "failed-1", SubmissionID: "sub-r", AssignmentID: "g__l", Status: models.MarkingJobStatusFailed, Attempts: 3}
	require.NoError(t, db.Create(&failed).Error)

	job, err := repo.Requeue(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, models.MarkingJobStatusPending, job.Status)
	require.Zero(t, job.Attempts)

	eligible, err := repo.CountEligible(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)
	require.EqualValues(t, 1, eligible)

	other := models.MarkingJob{ID: "failed-2", SubmissionID: "sub-r", AssignmentID: "g__l", Status: models.MarkingJobStatusFailed, Attempts: 3}
	require.NoError(t, db.Create(&other).Error)

	_, err = repo.Requeue(ctx, other.ID)
	require.ErrorIs(t, err, ErrActiveMarkingJobExists)

	_, err = repo.Requeue(ctx, "missing")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMarkingQueueCountByStatusAndList(t *testing.T) {
	db := setupMarkingTestDB(t)
	repo := NewMarkingQueueRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := repo.Enqueue(ctx, fmt.Sprintf("s-%d", i), "g__l")
		require.NoError(t, err)
	}
	_, err := repo.ClaimNext(ctx, models.MaxMarkingAttempts)
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, counts[models.MarkingJobStatusPending])
	require.EqualValues(t, 1, counts[models.MarkingJobStatusProcessing])
	require.Zero(t, counts[models.MarkingJobStatusFailed])

	pending, err := repo.List(ctx, MarkingJobFilter{Status: models.MarkingJobStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	limited, err := repo.List(ctx, MarkingJobFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
