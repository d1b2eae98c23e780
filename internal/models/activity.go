package models

import "time"

// ActivityTypeShortText is the only activity type the marking pipeline can score.
const ActivityTypeShortText = "short-text-question"

// Activity is a lesson step a pupil answers.
type Activity struct {
	ID              string                     `gorm:"primaryKey;size:64" json:"id"`
	LessonID        string                     `gorm:"size:64;not null;index" json:"lesson_id"`
	Title           string                     `gorm:"size:255" json:"title"`
	Type            string                     `gorm:"size:64;not null" json:"type"`
	Question        string                     `gorm:"type:text" json:"question"`
	ModelAnswer     string                     `gorm:"type:text" json:"model_answer"`
	OrderBy         int                        `gorm:"default:0" json:"order_by"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
	SuccessCriteria []ActivitySuccessCriterion `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"success_criteria"`
}

// ActivitySuccessCriterion links an activity to a rubric line it is scored against.
type ActivitySuccessCriterion struct {
	ActivityID         string `gorm:"primaryKey;size:64" json:"activity_id"`
	SuccessCriterionID string `gorm:"primaryKey;size:64" json:"success_criterion_id"`
}

// IsMarkable reports whether answers to this activity go through AI marking.
func (a Activity) IsMarkable() bool {
	return a.Type == ActivityTypeShortText
}

// CriterionIDs lists the success criteria configured on the activity in a stable order.
func (a Activity) CriterionIDs() []string {
	ids := make([]string, 0, len(a.SuccessCriteria))
	seen := make(map[string]struct{}, len(a.SuccessCriteria))
	for _, criterion := range a.SuccessCriteria {
		if _, ok := seen[criterion.SuccessCriterionID]; ok {
			continue
		}
		seen[criterion.SuccessCriterionID] = struct{}{}
		ids = append(ids, criterion.SuccessCriterionID)
	}
	return ids
}
