package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-marking-api/internal/scoring"
)

// AnswerBody is the free-form body stored on a submission.
type AnswerBody struct {
	Answer                string             `json:"answer"`
	AIModelScore          *float64           `json:"ai_model_score"`
	AIModelFeedback       *string            `json:"ai_model_feedback"`
	TeacherOverrideScore  *float64           `json:"teacher_override_score"`
	IsCorrect             bool               `json:"is_correct"`
	SuccessCriteriaScores map[string]float64 `json:"success_criteria_scores"`
}

// EffectiveScore returns the override score if present, otherwise the AI score.
func (b AnswerBody) EffectiveScore() *float64 {
	return scoring.EffectiveScore(b.TeacherOverrideScore, b.AIModelScore)
}

// Equal compares two bodies by value.
func (b AnswerBody) Equal(other AnswerBody) bool {
	if b.Answer != other.Answer || b.IsCorrect != other.IsCorrect {
		return false
	}
	if !equalFloatPtr(b.AIModelScore, other.AIModelScore) || !equalFloatPtr(b.TeacherOverrideScore, other.TeacherOverrideScore) {
		return false
	}
	if !equalStringPtr(b.AIModelFeedback, other.AIModelFeedback) {
		return false
	}
	if len(b.SuccessCriteriaScores) != len(other.SuccessCriteriaScores) {
		return false
	}
	for key, value := range b.SuccessCriteriaScores {
		otherValue, ok := other.SuccessCriteriaScores[key]
		if !ok || otherValue != value {
			return false
		}
	}
	return true
}

// Submission is a learner's recorded answer to one activity.
type Submission struct {
	ID          string                         `gorm:"primaryKey;size:36" json:"id"`
	ActivityID  string                         `gorm:"size:64;not null;uniqueIndex:idx_submissions_activity_pupil,priority:1" json:"activity_id"`
	PupilID     string                         `gorm:"size:64;not null;uniqueIndex:idx_submissions_activity_pupil,priority:2" json:"pupil_id"`
	Body        datatypes.JSONType[AnswerBody] `json:"body"`
	SubmittedAt time.Time                      `json:"submitted_at"`
	CreatedAt   time.Time                      `json:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
}

// Answer returns the decoded answer body.
func (s Submission) Answer() AnswerBody {
	return s.Body.Data()
}

// SetAnswer replaces the stored answer body.
func (s *Submission) SetAnswer(body AnswerBody) {
	s.Body = datatypes.NewJSONType(body)
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
