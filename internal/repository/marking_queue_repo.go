package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-marking-api/internal/models"
)

// ErrActiveMarkingJobExists is returned when a requeue would create a second active job for a submission.
var ErrActiveMarkingJobExists = errors.New("active marking job already exists for submission")

// claimRetries bounds how often ClaimNext re-selects after losing a conditional update race.
const claimRetries = 3

// MarkingJobFilter narrows queue listings.
type MarkingJobFilter struct {
	Status string
	Limit  int
}

// MarkingQueueRepository is the durable marking work queue.
type MarkingQueueRepository interface {
	Enqueue(ctx context.Context, submissionID, assignmentID string) (models.MarkingJob, bool, error)
	ClaimNext(ctx context.Context, maxAttempts int) (*models.MarkingJob, error)
	RecordFailure(ctx context.Context, jobID, message string, maxAttempts int) (string, error)
	CompleteProcessing(ctx context.Context, submissionID string) (int64, error)
	CountEligible(ctx context.Context, maxAttempts int) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	RecoverStuck(ctx context.Context, cutoff time.Time, reason string, maxAttempts int) (int64, error)
	PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error)
	Requeue(ctx context.Context, jobID string) (models.MarkingJob, error)
	GetByID(ctx context.Context, jobID string) (models.MarkingJob, error)
	List(ctx context.Context, filter MarkingJobFilter) ([]models.MarkingJob, error)
}

type markingQueueRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewMarkingQueueRepository constructs the queue store over the provided database handle.
func NewMarkingQueueRepository(db *gorm.DB) MarkingQueueRepository {
	return &markingQueueRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue inserts a pending job unless the submission already has an active one. The partial unique
// index on active rows arbitrates concurrent callers; the boolean reports whether a row was created.
func (r *markingQueueRepository) Enqueue(ctx context.Context, submissionID, assignmentID string) (models.MarkingJob, bool, error) {
	now := r.now()
	job := models.MarkingJob{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		AssignmentID: assignmentID,
		Status:       models.MarkingJobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&job)
	if result.Error != nil {
		return models.MarkingJob{}, false, fmt.Errorf("insert marking job: %w", result.Error)
	}

	return job, result.RowsAffected > 0, nil
}

// ClaimNext moves the oldest claimable pending job to processing and returns it, or nil when none is
// eligible. Row locks are taken with SKIP LOCKED so concurrent dispatchers each receive a different row.
func (r *markingQueueRepository) ClaimNext(ctx context.Context, maxAttempts int) (*models.MarkingJob, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		var claimed *models.MarkingJob
		var contended bool

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var job models.MarkingJob
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status = ? AND attempts < ?", models.MarkingJobStatusPending, maxAttempts).
				Order("created_at ASC").
				Order("id ASC").
				Take(&job).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select pending marking job: %w", err)
			}

			now := r.now()
			update := tx.Model(&models.MarkingJob{}).
				Where("id = ? AND status = ?", job.ID, models.MarkingJobStatusPending).
				Updates(map[string]interface{}{
					"status":     models.MarkingJobStatusProcessing,
					"attempts":   gorm.Expr("attempts + 1"),
					"updated_at": now,
				})
			if update.Error != nil {
				return fmt.Errorf("claim marking job: %w", update.Error)
			}
			if update.RowsAffected == 0 {
				contended = true
				return nil
			}

			job.Status = models.MarkingJobStatusProcessing
			job.Attempts++
			job.UpdatedAt = now
			claimed = &job
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !contended {
			return claimed, nil
		}
	}

	return nil, nil
}

// RecordFailure stores the error of a processing job and either returns it to pending or fails it
// once maxAttempts claims have been used. It returns the resulting status.
func (r *markingQueueRepository) RecordFailure(ctx context.Context, jobID, message string, maxAttempts int) (string, error) {
	var status string

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.MarkingJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", jobID).
			Take(&job).Error; err != nil {
			return err
		}
		if job.Status != models.MarkingJobStatusProcessing {
			status = job.Status
			return nil
		}

		status = models.MarkingJobStatusPending
		if job.Attempts >= maxAttempts {
			status = models.MarkingJobStatusFailed
		}

		return tx.Model(&models.MarkingJob{}).
			Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"status":     status,
				"last_error": message,
				"updated_at": r.now(),
			}).Error
	})
	if err != nil {
		return "", fmt.Errorf("record marking failure: %w", err)
	}

	return status, nil
}

// CompleteProcessing marks the submission's in-flight job completed. A pending job created by a later
// resubmission is left alone so it is still dispatched.
func (r *markingQueueRepository) CompleteProcessing(ctx context.Context, submissionID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.MarkingJob{}).
		Where("submission_id = ? AND status = ?", submissionID, models.MarkingJobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.MarkingJobStatusCompleted,
			"last_error": nil,
			"updated_at": r.now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("complete marking job: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *markingQueueRepository) CountEligible(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.MarkingJob{}).
		Where("status = ? AND attempts < ?", models.MarkingJobStatusPending, maxAttempts).
		Count(&count).Error
	return count, err
}

func (r *markingQueueRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}

	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&models.MarkingJob{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := map[string]int64{
		models.MarkingJobStatusPending:    0,
		models.MarkingJobStatusProcessing: 0,
		models.MarkingJobStatusCompleted:  0,
		models.MarkingJobStatusFailed:     0,
	}
	for _, item := range rows {
		counts[item.Status] = item.Total
	}
	return counts, nil
}

// RecoverStuck reclaims processing jobs last touched before cutoff. Jobs with claims left go back to
// pending; jobs that used their last claim become failed so they release the active slot. The single
// conditional UPDATE refreshes updated_at, so an immediate second sweep finds nothing.
func (r *markingQueueRepository) RecoverStuck(ctx context.Context, cutoff time.Time, reason string, maxAttempts int) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.MarkingJob{}).
		Where("status = ? AND updated_at < ?", models.MarkingJobStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status": gorm.Expr("CASE WHEN attempts >= ? THEN ? ELSE ? END",
				maxAttempts, models.MarkingJobStatusFailed, models.MarkingJobStatusPending),
			"last_error": reason,
			"updated_at": r.now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("recover stuck marking jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PruneCompleted deletes completed jobs last updated before cutoff. Failed jobs are kept.
func (r *markingQueueRepository) PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.MarkingJobStatusCompleted, cutoff).
		Delete(&models.MarkingJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune completed marking jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Requeue gives a failed job a fresh set of attempts.
func (r *markingQueueRepository) Requeue(ctx context.Context, jobID string) (models.MarkingJob, error) {
	var job models.MarkingJob

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", jobID).Take(&job).Error; err != nil {
			return err
		}
		if job.Status != models.MarkingJobStatusFailed {
			return nil
		}

		var active int64
		if err := tx.Model(&models.MarkingJob{}).
			Where("submission_id = ? AND status IN ?", job.SubmissionID, []string{models.MarkingJobStatusPending, models.MarkingJobStatusProcessing}).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveMarkingJobExists
		}

		job.Status = models.MarkingJobStatusPending
		job.Attempts = 0
		job.UpdatedAt = r.now()
		return tx.Model(&models.MarkingJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     job.Status,
				"attempts":   0,
				"updated_at": job.UpdatedAt,
			}).Error
	})
	if err != nil {
		return models.MarkingJob{}, err
	}

	return job, nil
}

func (r *markingQueueRepository) GetByID(ctx context.Context, jobID string) (models.MarkingJob, error) {
	var job models.MarkingJob
	if err := r.db.WithContext(ctx).Where("id = ?", jobID).Take(&job).Error; err != nil {
		return models.MarkingJob{}, err
	}
	return job, nil
}

func (r *markingQueueRepository) List(ctx context.Context, filter MarkingJobFilter) ([]models.MarkingJob, error) {
	query := r.db.WithContext(ctx).Model(&models.MarkingJob{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var jobs []models.MarkingJob
	if err := query.Order("updated_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
