package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/threadkeeper/internal/models"
	"github.com/xaenox/threadkeeper/internal/signals"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func defaultConfig() Config {
	return Config{
		ContinuationThreshold: 0.7,
		CreationThreshold:     0.4,
		RescueThreshold:       0.6,
		Hysteresis:            0.05,
		Weights:               models.Weights{Semantic: 0.4, Temporal: 0.25, Intent: 0.2, Entity: 0.15},
	}
}

func defaultThresholds() models.Thresholds {
	return NewEngine(defaultConfig()).Thresholds(models.UserBehaviorProfile{})
}

func thread(id string, idle time.Duration) *models.Thread {
	return &models.Thread{ID: id, UserID: "u1", Status: models.StatusActive, LastActivityAt: now.Add(-idle)}
}

func scored(id string, dormant bool, combined float64, idle time.Duration) Scored {
	t := thread(id, idle)
	if dormant {
		t.Status = models.StatusDormant
	}
	return Scored{
		Candidate: Candidate{Thread: t, Dormant: dormant},
		Score:     models.CandidateScore{ThreadID: id, Combined: combined},
	}
}

func TestThresholds_Personalized(t *testing.T) {
	e := NewEngine(defaultConfig())

	th := e.Thresholds(models.UserBehaviorProfile{})
	assert.InDelta(t, 0.7, th.Continuation, 1e-9)
	assert.InDelta(t, 0.4, th.Creation, 1e-9)
	assert.InDelta(t, 0.6, th.Rescue, 1e-9)

	// Positive bias favors continuation.
	th = e.Thresholds(models.UserBehaviorProfile{ContinuationBias: 0.1})
	assert.InDelta(t, 0.6, th.Continuation, 1e-9)

	// Clamped to [0.5, 0.9].
	th = e.Thresholds(models.UserBehaviorProfile{ContinuationBias: -0.5})
	assert.InDelta(t, 0.9, th.Continuation, 1e-9)
	th = e.Thresholds(models.UserBehaviorProfile{ContinuationBias: 0.5})
	assert.InDelta(t, 0.5, th.Continuation, 1e-9)
	assert.InDelta(t, 0.5, th.Rescue, 1e-9)
}

func TestDecide_NoCandidates(t *testing.T) {
	d := NewEngine(defaultConfig()).Decide(nil, defaultThresholds())
	assert.Equal(t, models.ActionCreated, d.Action)
	assert.Nil(t, d.Thread)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, models.RuleNoCandidates, d.Reasoning.Rule)
}

func TestDecide_ContinuationBoundaryIsInclusive(t *testing.T) {
	e := NewEngine(defaultConfig())
	th := defaultThresholds()

	d := e.Decide([]Scored{scored("a", false, 0.7, time.Minute)}, th)
	assert.Equal(t, models.ActionContinued, d.Action)
	assert.Equal(t, models.RuleContinueActive, d.Reasoning.Rule)

	// Floating point sums landing a hair below 0.7 still count.
	d = e.Decide([]Scored{scored("a", false, 0.1+0.2+0.4-1e-12, time.Minute)}, th)
	assert.Equal(t, models.RuleContinueActive, d.Reasoning.Rule)

	d = e.Decide([]Scored{scored("a", false, 0.69, time.Minute)}, th)
	assert.Equal(t, models.RuleContinueAmbiguous, d.Reasoning.Rule)
}

func TestDecide_Rules(t *testing.T) {
	e := NewEngine(defaultConfig())
	th := defaultThresholds()

	tests := []struct {
		name   string
		scored []Scored
		action models.Action
		thread string
		rule   string
	}{
		{
			name:   "active above threshold",
			scored: []Scored{scored("a", false, 0.85, time.Minute), scored("d", true, 0.5, 5*time.Hour)},
			action: models.ActionContinued, thread: "a", rule: models.RuleContinueActive,
		},
		{
			name:   "dormant clearly better",
			scored: []Scored{scored("a", false, 0.72, time.Minute), scored("d", true, 0.9, 5*time.Hour)},
			action: models.ActionReactivated, thread: "d", rule: models.RuleReactivateDormant,
		},
		{
			name:   "hysteresis keeps active",
			scored: []Scored{scored("a", false, 0.72, time.Minute), scored("d", true, 0.75, 5*time.Hour)},
			action: models.ActionContinued, thread: "a", rule: models.RuleHysteresisActive,
		},
		{
			name:   "hysteresis keeps active below threshold",
			scored: []Scored{scored("a", false, 0.68, time.Minute), scored("d", true, 0.71, 5*time.Hour)},
			action: models.ActionContinued, thread: "a", rule: models.RuleHysteresisActive,
		},
		{
			name:   "only dormant eligible",
			scored: []Scored{scored("d", true, 0.8, 5*time.Hour)},
			action: models.ActionReactivated, thread: "d", rule: models.RuleReactivateDormant,
		},
		{
			name:   "middle zone continues active",
			scored: []Scored{scored("a", false, 0.5, time.Minute), scored("d", true, 0.55, 5*time.Hour)},
			action: models.ActionContinued, thread: "a", rule: models.RuleContinueAmbiguous,
		},
		{
			name:   "dormant rescue",
			scored: []Scored{scored("a", false, 0.3, time.Minute), scored("d", true, 0.65, 5*time.Hour)},
			action: models.ActionReactivated, thread: "d", rule: models.RuleReactivateRescue,
		},
		{
			name:   "nothing fits",
			scored: []Scored{scored("a", false, 0.3, time.Minute), scored("d", true, 0.5, 5*time.Hour)},
			action: models.ActionCreated, rule: models.RuleCreateNew,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(tt.scored, th)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.rule, d.Reasoning.Rule)
			if tt.thread == "" {
				assert.Nil(t, d.Thread)
			} else {
				require.NotNil(t, d.Thread)
				assert.Equal(t, tt.thread, d.Thread.ID)
			}
			assert.Len(t, d.Reasoning.Candidates, len(tt.scored))
		})
	}
}

func TestDecide_CreateConfidence(t *testing.T) {
	d := NewEngine(defaultConfig()).Decide([]Scored{scored("a", false, 0.3, time.Minute)}, defaultThresholds())
	assert.Equal(t, models.ActionCreated, d.Action)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
}

func TestDecide_TieBreaks(t *testing.T) {
	e := NewEngine(defaultConfig())
	th := defaultThresholds()

	// Equal scores: most recent activity wins.
	d := e.Decide([]Scored{
		scored("old", true, 0.8, 6*time.Hour),
		scored("recent", true, 0.8, 3*time.Hour),
	}, th)
	assert.Equal(t, "recent", d.Thread.ID)

	// Equal scores and activity: smaller id wins regardless of order.
	for _, order := range [][]string{{"b", "a"}, {"a", "b"}} {
		d = e.Decide([]Scored{
			scored(order[0], true, 0.8, 3*time.Hour),
			scored(order[1], true, 0.8, 3*time.Hour),
		}, th)
		assert.Equal(t, "a", d.Thread.ID)
	}
}

type fixedObservation float64

func (f fixedObservation) Score(*models.Thread, signals.Env) float64 { return float64(f) }

func TestScore_WeightsAndDegradedSignals(t *testing.T) {
	e := NewEngine(defaultConfig())
	results := []signals.Result{
		{Name: signals.Semantic, Observation: fixedObservation(1)},
		{Name: signals.Temporal, Local: true, Observation: fixedObservation(1)},
		{Name: signals.Intent, Err: signals.ErrUnavailable},
		{Name: signals.Entity, Observation: fixedObservation(0)},
	}
	got := e.Score([]Candidate{{Thread: thread("a", time.Minute)}}, results, signals.Env{Now: now}, e.Weights(models.UserBehaviorProfile{}))
	require.Len(t, got, 1)

	// 0.4*1 + 0.25*1 + 0.2*0.5 + 0.15*0
	assert.InDelta(t, 0.75, got[0].Score.Combined, 1e-9)
	require.Len(t, got[0].Score.Signals, 4)
	assert.True(t, got[0].Score.Signals[2].Degraded)
	assert.Equal(t, signals.Neutral, got[0].Score.Signals[2].Value)
	assert.Equal(t, models.StatusActive, got[0].Score.Status)
}

func TestScore_ProfileWeights(t *testing.T) {
	e := NewEngine(defaultConfig())
	w := e.Weights(models.UserBehaviorProfile{Weights: models.Weights{Temporal: 1}})
	results := []signals.Result{
		{Name: signals.Semantic, Observation: fixedObservation(0)},
		{Name: signals.Temporal, Observation: fixedObservation(0.9)},
	}
	got := e.Score([]Candidate{{Thread: thread("a", time.Minute)}}, results, signals.Env{Now: now}, w)
	assert.InDelta(t, 0.9, got[0].Score.Combined, 1e-9)
}

func TestClassify(t *testing.T) {
	active := thread("active", 3*time.Hour)
	dormant := []*models.Thread{
		thread("d1", 10*time.Hour),
		thread("d2", 5*time.Hour),
		thread("ancient", 40*24*time.Hour),
		{ID: "archived", Status: models.StatusArchived, LastActivityAt: now},
	}
	for _, d := range dormant[:3] {
		d.Status = models.StatusDormant
	}

	cands := Classify(active, dormant, now, 2*time.Hour, 30*24*time.Hour, 5)
	require.Len(t, cands, 3)
	// The idle active thread is lazily dormant and ordered by recency.
	assert.Equal(t, "active", cands[0].Thread.ID)
	assert.True(t, cands[0].Dormant)
	assert.Equal(t, "d2", cands[1].Thread.ID)
	assert.Equal(t, "d1", cands[2].Thread.ID)

	cands = Classify(thread("fresh", time.Minute), dormant, now, 2*time.Hour, 30*24*time.Hour, 1)
	require.Len(t, cands, 2)
	assert.False(t, cands[0].Dormant)
	assert.Equal(t, "d2", cands[1].Thread.ID)
}

func TestFallback(t *testing.T) {
	th := defaultThresholds()

	d := Fallback(thread("a", time.Hour), now, 2*time.Hour, th)
	assert.Equal(t, models.ActionContinued, d.Action)
	assert.Equal(t, "a", d.Thread.ID)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.True(t, d.Reasoning.Fallback)
	assert.Equal(t, models.RuleFallbackContinue, d.Reasoning.Rule)

	d = Fallback(thread("a", 3*time.Hour), now, 2*time.Hour, th)
	assert.Equal(t, models.ActionCreated, d.Action)
	assert.Equal(t, models.RuleFallbackCreate, d.Reasoning.Rule)
	assert.True(t, d.Reasoning.Fallback)

	d = Fallback(nil, now, 2*time.Hour, th)
	assert.Equal(t, models.ActionCreated, d.Action)
}
