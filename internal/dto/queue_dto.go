package dto

import (
	"time"

	"github.com/noah-isme/gema-marking-api/internal/models"
)

// QueueProcessResponse reports the outcome of one dispatcher invocation.
type QueueProcessResponse struct {
	Processed    bool   `json:"processed"`
	JobID        string `json:"job_id,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
	Remaining    int64  `json:"remaining"`
}

// QueueDrainResponse aggregates several dispatcher invocations.
type QueueDrainResponse struct {
	Processed int                    `json:"processed"`
	Jobs      []QueueProcessResponse `json:"jobs"`
	Remaining int64                  `json:"remaining"`
}

// QueueStatsResponse reports queue depth per status.
type QueueStatsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Eligible   int64 `json:"eligible"`
}

// MarkingJobFilter narrows queue listings.
type MarkingJobFilter struct {
	Status string `query:"status" validate:"omitempty,oneof=pending processing completed failed"`
	Limit  int    `query:"limit" validate:"omitempty,gte=1,lte=200"`
}

// MarkingJobResponse exposes a queue row to operators.
type MarkingJobResponse struct {
	ID           string    `json:"queue_id"`
	SubmissionID string    `json:"submission_id"`
	AssignmentID string    `json:"assignment_id"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	LastError    *string   `json:"last_error"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewMarkingJobResponse converts a queue row into its API representation.
func NewMarkingJobResponse(job models.MarkingJob) MarkingJobResponse {
	return MarkingJobResponse{
		ID:           job.ID,
		SubmissionID: job.SubmissionID,
		AssignmentID: job.AssignmentID,
		Status:       job.Status,
		Attempts:     job.Attempts,
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

// NewMarkingJobResponseSlice converts several queue rows.
func NewMarkingJobResponseSlice(jobs []models.MarkingJob) []MarkingJobResponse {
	responses := make([]MarkingJobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, NewMarkingJobResponse(job))
	}
	return responses
}
