package models

import "time"

// Marking job lifecycle states.
const (
	MarkingJobStatusPending    = "pending"
	MarkingJobStatusProcessing = "processing"
	MarkingJobStatusCompleted  = "completed"
	MarkingJobStatusFailed     = "failed"
)

// MaxMarkingAttempts is the number of claims a job may consume before it is failed.
const MaxMarkingAttempts = 3

// MarkingJob is a durable request to have one submission marked by the external service.
type MarkingJob struct {
	ID           string    `gorm:"primaryKey;size:36" json:"queue_id"`
	SubmissionID string    `gorm:"size:64;not null;index" json:"submission_id"`
	AssignmentID string    `gorm:"size:160;not null" json:"assignment_id"`
	Status       string    `gorm:"size:16;not null;index:idx_marking_jobs_status_created,priority:1" json:"status"`
	Attempts     int       `gorm:"not null;default:0" json:"attempts"`
	LastError    *string   `gorm:"type:text" json:"last_error"`
	CreatedAt    time.Time `gorm:"index:idx_marking_jobs_status_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName pins the queue table name.
func (MarkingJob) TableName() string {
	return "marking_jobs"
}

// IsActive reports whether the job still counts towards the one-active-job-per-submission rule.
func (j MarkingJob) IsActive() bool {
	return j.Status == MarkingJobStatusPending || j.Status == MarkingJobStatusProcessing
}

// IsTerminal reports whether the job reached completed or failed.
func (j MarkingJob) IsTerminal() bool {
	return j.Status == MarkingJobStatusCompleted || j.Status == MarkingJobStatusFailed
}

// Claimable reports whether a dispatcher may still claim the job.
func (j MarkingJob) Claimable() bool {
	return j.Status == MarkingJobStatusPending && j.Attempts < MaxMarkingAttempts
}
