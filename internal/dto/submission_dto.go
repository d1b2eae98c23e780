package dto

import (
	"time"

	"github.com/noah-isme/gema-marking-api/internal/models"
)

// SaveAnswerRequest is sent by a learner when (re-)saving a free-text answer.
type SaveAnswerRequest struct {
	GroupAssignmentID string `json:"group_assignment_id" validate:"required,max=160"`
	Answer            string `json:"answer" validate:"max=20000"`
}

// OverrideRequest sets or clears (null score) the teacher override on a submission.
type OverrideRequest struct {
	GroupAssignmentID string   `json:"group_assignment_id" validate:"omitempty,max=160"`
	Score             *float64 `json:"score" validate:"omitempty,gte=0,lte=1"`
}

// MarkNowRequest asks for a synchronous mark of one submission.
type MarkNowRequest struct {
	GroupAssignmentID string `json:"group_assignment_id" validate:"omitempty,max=160"`
}

// SubmissionResponse is the API view of a submission with its derived scores.
type SubmissionResponse struct {
	ID                    string             `json:"id"`
	ActivityID            string             `json:"activity_id"`
	PupilID               string             `json:"pupil_id"`
	Answer                string             `json:"answer"`
	AIModelScore          *float64           `json:"ai_model_score"`
	AIModelFeedback       *string            `json:"ai_model_feedback"`
	TeacherOverrideScore  *float64           `json:"teacher_override_score"`
	EffectiveScore        *float64           `json:"effective_score"`
	IsCorrect             bool               `json:"is_correct"`
	SuccessCriteriaScores map[string]float64 `json:"success_criteria_scores"`
	MarkingQueued         bool               `json:"marking_queued"`
	SubmittedAt           time.Time          `json:"submitted_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	body := model.Answer()
	scores := body.SuccessCriteriaScores
	if scores == nil {
		scores = map[string]float64{}
	}

	return SubmissionResponse{
		ID:                    model.ID,
		ActivityID:            model.ActivityID,
		PupilID:               model.PupilID,
		Answer:                body.Answer,
		AIModelScore:          body.AIModelScore,
		AIModelFeedback:       body.AIModelFeedback,
		TeacherOverrideScore:  body.TeacherOverrideScore,
		EffectiveScore:        body.EffectiveScore(),
		IsCorrect:             body.IsCorrect,
		SuccessCriteriaScores: scores,
		SubmittedAt:           model.SubmittedAt,
		UpdatedAt:             model.UpdatedAt,
	}
}

// ActivityResults groups the submissions for one activity of an assignment.
type ActivityResults struct {
	ActivityID   string               `json:"activity_id"`
	Title        string               `json:"title"`
	Type         string               `json:"type"`
	CriterionIDs []string             `json:"success_criteria_ids"`
	Submissions  []SubmissionResponse `json:"submissions"`
}

// AssignmentResultsResponse is the cached results page of a group assignment.
type AssignmentResultsResponse struct {
	AssignmentID string            `json:"assignment_id"`
	GroupID      string            `json:"group_id"`
	LessonID     string            `json:"lesson_id"`
	Activities   []ActivityResults `json:"activities"`
	GeneratedAt  time.Time         `json:"generated_at"`
}
