// Package profile derives per-user behavior profiles from an append-only log
// of adjustments and computes new adjustments from user corrections.
package profile

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/xaenox/threadkeeper/internal/models"
)

// ErrUnknownCorrection is returned for correction kinds the learner does not handle.
var ErrUnknownCorrection = errors.New("unknown correction kind")

// ErrInvalidWeights is returned by SetWeights for negative or non-finite weights.
var ErrInvalidWeights = errors.New("invalid score weights")

const (
	// MaxBias bounds ContinuationBias in both directions.
	MaxBias = 0.2

	MinTolerance = 30 * time.Minute
	MaxTolerance = 24 * time.Hour
)

// Fold rebuilds a profile from its adjustments. Adjustments carry the
// post-adjustment state, so the highest version wins.
func Fold(userID string, adjustments []models.ProfileAdjustment) models.UserBehaviorProfile {
	p := models.UserBehaviorProfile{UserID: userID}
	for _, adj := range adjustments {
		if adj.Version <= p.Version {
			continue
		}
		p.Version = adj.Version
		p.ContinuationBias = adj.ContinuationBias
		p.DormancyTolerance = adj.DormancyTolerance
		p.Weights = models.Weights{}
		if adj.Weights != nil {
			p.Weights = *adj.Weights
		}
	}
	return p
}

// Learner turns corrections into exponential moving average adjustments.
type Learner struct {
	rate             float64
	defaultTolerance time.Duration
	now              func() time.Time
}

// NewLearner returns a Learner with learning rate in (0, 1]. defaultTolerance
// is the starting point for users without a learned dormancy tolerance.
func NewLearner(rate float64, defaultTolerance time.Duration) *Learner {
	if rate <= 0 || rate > 1 {
		rate = 0.2
	}
	return &Learner{rate: rate, defaultTolerance: defaultTolerance, now: time.Now}
}

// Next computes the adjustment that applies c to p. It does not mutate p.
func (l *Learner) Next(p models.UserBehaviorProfile, c models.Correction) (models.ProfileAdjustment, error) {
	adj := models.ProfileAdjustment{
		ID:                uuid.New().String(),
		UserID:            p.UserID,
		Version:           p.Version + 1,
		Kind:              c.Kind,
		ContinuationBias:  p.ContinuationBias,
		DormancyTolerance: p.DormancyTolerance,
		CreatedAt:         c.At,
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = l.now()
	}
	if !p.Weights.IsZero() {
		w := p.Weights
		adj.Weights = &w
	}

	switch c.Kind {
	case models.CorrectionSplitRequested:
		adj.ContinuationBias = l.ema(p.ContinuationBias, -MaxBias)
	case models.CorrectionMergeRequested:
		adj.ContinuationBias = l.ema(p.ContinuationBias, MaxBias)
	case models.CorrectionReactivatedGap:
		if c.Gap <= 0 {
			return models.ProfileAdjustment{}, fmt.Errorf("reactivated_gap correction needs a positive gap")
		}
		current := p.DormancyTolerance
		if current <= 0 {
			current = l.defaultTolerance
		}
		next := time.Duration(l.ema(float64(current), float64(c.Gap)))
		adj.DormancyTolerance = clampDuration(next, MinTolerance, MaxTolerance)
	default:
		return models.ProfileAdjustment{}, fmt.Errorf("%w: %q", ErrUnknownCorrection, c.Kind)
	}

	adj.ContinuationBias = math.Max(-MaxBias, math.Min(MaxBias, adj.ContinuationBias))
	return adj, nil
}

// SetWeights computes the adjustment that gives p explicit signal weights.
// Zero weights reset the profile to the configured defaults. Bias and
// tolerance are carried over unchanged.
func (l *Learner) SetWeights(p models.UserBehaviorProfile, w models.Weights, at time.Time) (models.ProfileAdjustment, error) {
	for _, v := range []float64{w.Semantic, w.Temporal, w.Intent, w.Entity} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return models.ProfileAdjustment{}, fmt.Errorf("%w: %+v", ErrInvalidWeights, w)
		}
	}
	if at.IsZero() {
		at = l.now()
	}
	adj := models.ProfileAdjustment{
		ID:                uuid.New().String(),
		UserID:            p.UserID,
		Version:           p.Version + 1,
		Kind:              models.WeightsSet,
		ContinuationBias:  p.ContinuationBias,
		DormancyTolerance: p.DormancyTolerance,
		CreatedAt:         at,
	}
	if !w.IsZero() {
		adj.Weights = &w
	}
	return adj, nil
}

func (l *Learner) ema(current, target float64) float64 {
	return (1-l.rate)*current + l.rate*target
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
