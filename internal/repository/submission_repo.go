package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-marking-api/internal/models"
)

// SubmissionRepository defines data operations for learner submissions.
type SubmissionRepository interface {
	GetByID(ctx context.Context, id string) (models.Submission, error)
	FindByActivityAndPupil(ctx context.Context, activityID, pupilID string) (models.Submission, error)
	ListByActivities(ctx context.Context, activityIDs []string) ([]models.Submission, error)
	Create(ctx context.Context, submission *models.Submission) (bool, error)
	UpdateBody(ctx context.Context, submission *models.Submission) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&submission).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) FindByActivityAndPupil(ctx context.Context, activityID, pupilID string) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).
		Where("activity_id = ? AND pupil_id = ?", activityID, pupilID).
		Take(&submission).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) ListByActivities(ctx context.Context, activityIDs []string) ([]models.Submission, error) {
	if len(activityIDs) == 0 {
		return []models.Submission{}, nil
	}

	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Where("activity_id IN ?", activityIDs).
		Order("activity_id ASC").
		Order("pupil_id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}
	return submissions, nil
}

// Create inserts the submission unless one already exists for the same activity and pupil.
// It reports false when another writer got there first, in which case the caller should re-read.
func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) (bool, error) {
	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "activity_id"}, {Name: "pupil_id"}},
			DoNothing: true,
		}).
		Create(submission)
	if result.Error != nil {
		return false, fmt.Errorf("insert submission: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateBody persists the answer body of an existing submission.
func (r *submissionRepository) UpdateBody(ctx context.Context, submission *models.Submission) error {
	submission.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", submission.ID).
		Updates(map[string]interface{}{
			"body":         submission.Body,
			"submitted_at": submission.SubmittedAt,
			"updated_at":   submission.UpdatedAt,
		}).Error
}
