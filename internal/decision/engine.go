// Package decision combines signal scores into a single thread resolution.
package decision

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/xaenox/threadkeeper/internal/models"
	"github.com/xaenox/threadkeeper/internal/signals"
)

// epsilon absorbs floating point noise so threshold comparisons stay inclusive.
const epsilon = 1e-9

const (
	minContinuation = 0.5
	maxContinuation = 0.9
)

// Config holds the decision thresholds and default weights.
type Config struct {
	ContinuationThreshold float64
	CreationThreshold     float64
	RescueThreshold       float64
	Hysteresis            float64
	Weights               models.Weights
}

// Candidate is a thread under consideration. Dormant is its effective status,
// which may differ from the stored one when an active thread has gone idle.
type Candidate struct {
	Thread  *models.Thread
	Dormant bool
}

// Scored is a candidate with its score breakdown.
type Scored struct {
	Candidate
	Score models.CandidateScore
}

// Decision is the engine's verdict. Thread is nil when Action is ActionCreated.
type Decision struct {
	Action     models.Action
	Thread     *models.Thread
	Confidence float64
	Reasoning  models.Reasoning
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Thresholds returns the thresholds personalized for profile.
func (e *Engine) Thresholds(profile models.UserBehaviorProfile) models.Thresholds {
	c := e.cfg.ContinuationThreshold - profile.ContinuationBias
	c = math.Max(minContinuation, math.Min(maxContinuation, c))
	return models.Thresholds{
		Continuation: c,
		Creation:     math.Min(e.cfg.CreationThreshold, c),
		Rescue:       math.Min(e.cfg.RescueThreshold, c),
		Hysteresis:   e.cfg.Hysteresis,
	}
}

// Weights returns the signal weights for profile, keyed by signal name.
func (e *Engine) Weights(profile models.UserBehaviorProfile) map[string]float64 {
	w := e.cfg.Weights
	if !profile.Weights.IsZero() {
		w = profile.Weights
	}
	return map[string]float64{
		signals.Semantic: w.Semantic,
		signals.Temporal: w.Temporal,
		signals.Intent:   w.Intent,
		signals.Entity:   w.Entity,
	}
}

// Score computes every candidate's weighted score. Unavailable signals
// contribute signals.Neutral and are marked degraded. Weights are normalized
// over the signals present so the combined score stays in [0, 1].
func (e *Engine) Score(cands []Candidate, results []signals.Result, env signals.Env, weights map[string]float64) []Scored {
	var total float64
	for _, r := range results {
		total += math.Max(0, weights[r.Name])
	}

	scored := make([]Scored, 0, len(cands))
	for _, c := range cands {
		status := models.StatusActive
		if c.Dormant {
			status = models.StatusDormant
		}
		cs := models.CandidateScore{
			ThreadID: c.Thread.ID,
			Status:   status,
			Signals:  make([]models.SignalScore, 0, len(results)),
		}
		for _, r := range results {
			w := 0.0
			if total > 0 {
				w = math.Max(0, weights[r.Name]) / total
			}
			ss := models.SignalScore{Name: r.Name, Weight: w, Value: signals.Neutral}
			if r.Available() {
				ss.Value = clamp01(r.Observation.Score(c.Thread, env))
			} else {
				ss.Degraded = true
			}
			cs.Combined += w * ss.Value
			cs.Signals = append(cs.Signals, ss)
		}
		cs.Combined = clamp01(cs.Combined)
		scored = append(scored, Scored{Candidate: c, Score: cs})
	}
	return scored
}

// Decide applies the decision rules to scored candidates.
func (e *Engine) Decide(scored []Scored, th models.Thresholds) Decision {
	reasoning := models.Reasoning{Thresholds: th}
	for _, s := range scored {
		reasoning.Candidates = append(reasoning.Candidates, s.Score)
	}

	if len(scored) == 0 {
		reasoning.Rule = models.RuleNoCandidates
		return Decision{Action: models.ActionCreated, Confidence: 1, Reasoning: reasoning}
	}

	var active, dormant *Scored
	maxScore := 0.0
	for i := range scored {
		s := &scored[i]
		maxScore = math.Max(maxScore, s.Score.Combined)
		if s.Dormant {
			if dormant == nil || better(s, dormant) {
				dormant = s
			}
		} else if active == nil || better(s, active) {
			active = s
		}
	}

	eligible := func(s *Scored) bool {
		return s != nil && s.Score.Combined >= th.Continuation-epsilon
	}
	continueActive := func(rule string) Decision {
		reasoning.Rule = rule
		return Decision{
			Action:     models.ActionContinued,
			Thread:     active.Thread,
			Confidence: clamp01(active.Score.Combined),
			Reasoning:  reasoning,
		}
	}
	reactivate := func(rule string) Decision {
		reasoning.Rule = rule
		return Decision{
			Action:     models.ActionReactivated,
			Thread:     dormant.Thread,
			Confidence: clamp01(dormant.Score.Combined),
			Reasoning:  reasoning,
		}
	}

	if eligible(active) || eligible(dormant) {
		if active != nil && (dormant == nil || active.Score.Combined >= dormant.Score.Combined-th.Hysteresis-epsilon) {
			if eligible(active) && (dormant == nil || active.Score.Combined >= dormant.Score.Combined-epsilon) {
				return continueActive(models.RuleContinueActive)
			}
			return continueActive(models.RuleHysteresisActive)
		}
		if eligible(dormant) {
			return reactivate(models.RuleReactivateDormant)
		}
		return continueActive(models.RuleContinueActive)
	}

	if active != nil && active.Score.Combined >= th.Creation-epsilon {
		return continueActive(models.RuleContinueAmbiguous)
	}
	if dormant != nil && dormant.Score.Combined >= th.Rescue-epsilon {
		return reactivate(models.RuleReactivateRescue)
	}

	reasoning.Rule = models.RuleCreateNew
	return Decision{Action: models.ActionCreated, Confidence: clamp01(1 - maxScore), Reasoning: reasoning}
}

// better orders candidates by score, then recency, then id for determinism.
func better(a, b *Scored) bool {
	if d := a.Score.Combined - b.Score.Combined; math.Abs(d) > epsilon {
		return d > 0
	}
	if !a.Thread.LastActivityAt.Equal(b.Thread.LastActivityAt) {
		return a.Thread.LastActivityAt.After(b.Thread.LastActivityAt)
	}
	return strings.Compare(a.Thread.ID, b.Thread.ID) < 0
}

// Classify builds candidates from the store's view: the stored active thread
// and dormant threads. Threads idle for maxAge or longer are excluded; an
// active thread idle for dormancy or longer is treated as dormant. At most
// maxDormant dormant candidates are kept, most recent first.
func Classify(active *models.Thread, dormant []*models.Thread, now time.Time, dormancy, maxAge time.Duration, maxDormant int) []Candidate {
	var out, sleeping []Candidate
	if active != nil && active.Status != models.StatusArchived && active.Idle(now) < maxAge {
		if active.Idle(now) < dormancy {
			out = append(out, Candidate{Thread: active})
		} else {
			sleeping = append(sleeping, Candidate{Thread: active, Dormant: true})
		}
	}
	for _, t := range dormant {
		if t == nil || t.Status == models.StatusArchived || t.Idle(now) >= maxAge {
			continue
		}
		if active != nil && t.ID == active.ID {
			continue
		}
		sleeping = append(sleeping, Candidate{Thread: t, Dormant: true})
	}
	sort.SliceStable(sleeping, func(i, j int) bool {
		return sleeping[i].Thread.LastActivityAt.After(sleeping[j].Thread.LastActivityAt)
	})
	if maxDormant >= 0 && len(sleeping) > maxDormant {
		sleeping = sleeping[:maxDormant]
	}
	return append(out, sleeping...)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
