package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/models"
)

const activeMarkingJobIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_marking_jobs_active_submission
ON marking_jobs (submission_id) WHERE status IN ('pending', 'processing')`

// Migrate creates or updates the tables used by the marking pipeline.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Activity{},
		&models.ActivitySuccessCriterion{},
		&models.Submission{},
		&models.MarkingJob{},
		&models.AuditLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if err := db.Exec(activeMarkingJobIndex).Error; err != nil {
		return fmt.Errorf("create active marking job index: %w", err)
	}

	return nil
}
