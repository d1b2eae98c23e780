// Package scoring holds the pure score arithmetic shared by every code path
// that writes a marking result onto a submission.
package scoring

import "math"

// CorrectThreshold is the effective score at or above which an answer counts as correct.
const CorrectThreshold = 0.8

// ClampScore bounds a raw score to the closed unit interval. NaN and infinities map to 0.
func ClampScore(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// NormaliseSuccessCriteriaScores builds a score map keyed by exactly the supplied criteria ids.
// Existing finite values are kept (clamped); every other id receives fillValue.
func NormaliseSuccessCriteriaScores(successCriteriaIDs []string, existingScores map[string]float64, fillValue float64) map[string]float64 {
	fill := ClampScore(fillValue)
	normalised := make(map[string]float64, len(successCriteriaIDs))

	for _, id := range successCriteriaIDs {
		if id == "" {
			continue
		}
		if value, ok := existingScores[id]; ok && !math.IsNaN(value) && !math.IsInf(value, 0) {
			normalised[id] = ClampScore(value)
			continue
		}
		normalised[id] = fill
	}

	return normalised
}

// EffectiveScore returns the teacher override when present, otherwise the AI score.
func EffectiveScore(override, aiScore *float64) *float64 {
	switch {
	case override != nil:
		value := ClampScore(*override)
		return &value
	case aiScore != nil:
		value := ClampScore(*aiScore)
		return &value
	default:
		return nil
	}
}

// IsCorrect reports whether the effective score reaches CorrectThreshold. Absent scores are never correct.
func IsCorrect(effective *float64) bool {
	if effective == nil {
		return false
	}
	return *effective >= CorrectThreshold
}
