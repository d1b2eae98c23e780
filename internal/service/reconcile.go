package service

import (
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/scoring"
)

// MarkingOutcome is one score reported for a learner, from the webhook or the synchronous marker.
type MarkingOutcome struct {
	Score    float64
	Feedback *string
	// Answer is only used when no submission exists yet.
	Answer string
}

// ReconcileAnswer folds a marking outcome into the current answer body and returns the new body.
// A teacher override keeps governing correctness and the criterion scores while the AI fields are still
// refreshed. Applying the same outcome twice yields the same body.
func ReconcileAnswer(existing *models.AnswerBody, outcome MarkingOutcome, criterionIDs []string) models.AnswerBody {
	var body models.AnswerBody
	if existing != nil {
		body = *existing
	} else {
		body = models.AnswerBody{Answer: outcome.Answer}
	}

	score := scoring.ClampScore(outcome.Score)
	body.AIModelScore = &score
	body.AIModelFeedback = copyString(outcome.Feedback)

	return applyDerivedScores(body, criterionIDs)
}

// applyDerivedScores recomputes correctness and the per-criterion map from the effective score.
func applyDerivedScores(body models.AnswerBody, criterionIDs []string) models.AnswerBody {
	effective := body.EffectiveScore()
	body.IsCorrect = scoring.IsCorrect(effective)

	fill := 0.0
	if effective != nil {
		fill = *effective
	}
	body.SuccessCriteriaScores = scoring.NormaliseSuccessCriteriaScores(criterionIDs, nil, fill)

	return body
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}
