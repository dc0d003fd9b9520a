package decision

import (
	"time"

	"github.com/xaenox/threadkeeper/internal/models"
)

// Fallback is the pure temporal heuristic used when signals or the store are
// unavailable: continue the last known active thread if it has been idle for
// less than dormancy, otherwise create a new thread. It never fails.
func Fallback(active *models.Thread, now time.Time, dormancy time.Duration, th models.Thresholds) Decision {
	reasoning := models.Reasoning{Thresholds: th, Fallback: true}

	if active != nil && active.Status != models.StatusArchived && active.Idle(now) < dormancy {
		reasoning.Rule = models.RuleFallbackContinue
		confidence := 1.0
		if dormancy > 0 {
			confidence = 1 - float64(active.Idle(now))/float64(dormancy)
		}
		return Decision{
			Action:     models.ActionContinued,
			Thread:     active,
			Confidence: clamp01(confidence),
			Reasoning:  reasoning,
		}
	}

	reasoning.Rule = models.RuleFallbackCreate
	return Decision{Action: models.ActionCreated, Confidence: 1, Reasoning: reasoning}
}
