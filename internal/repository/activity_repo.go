package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/models"
)

// ActivityRepository reads the lesson activities the marking pipeline scores.
type ActivityRepository interface {
	GetByID(ctx context.Context, id string) (models.Activity, error)
	ListByLesson(ctx context.Context, lessonID string) ([]models.Activity, error)
}

type activityRepository struct {
	db *gorm.DB
}

// NewActivityRepository constructs the activity repository.
func NewActivityRepository(db *gorm.DB) ActivityRepository {
	return &activityRepository{db: db}
}

func (r *activityRepository) GetByID(ctx context.Context, id string) (models.Activity, error) {
	var activity models.Activity
	if err := r.db.WithContext(ctx).
		Preload("SuccessCriteria", func(db *gorm.DB) *gorm.DB {
			return db.Order("success_criterion_id ASC")
		}).
		Where("id = ?", id).
		Take(&activity).Error; err != nil {
		return models.Activity{}, err
	}
	return activity, nil
}

func (r *activityRepository) ListByLesson(ctx context.Context, lessonID string) ([]models.Activity, error) {
	var activities []models.Activity
	if err := r.db.WithContext(ctx).
		Preload("SuccessCriteria", func(db *gorm.DB) *gorm.DB {
			return db.Order("success_criterion_id ASC")
		}).
		Where("lesson_id = ?", lessonID).
		Order("order_by ASC").
		Order("id ASC").
		Find(&activities).Error; err != nil {
		return nil, err
	}
	return activities, nil
}
