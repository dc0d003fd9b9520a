package signals

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/threadkeeper/internal/classifier"
	"github.com/xaenox/threadkeeper/internal/models"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeClassifier struct {
	label      string
	confidence float64
	entities   []string
	err        error
}

func (f fakeClassifier) Classify(context.Context, string) (string, float64, error) {
	return f.label, f.confidence, f.err
}

func (f fakeClassifier) Extract(context.Context, string) ([]string, error) {
	return f.entities, f.err
}

func observe(t *testing.T, s Signal) Observation {
	t.Helper()
	obs, err := s.Observe(context.Background(), models.IncomingMessage{UserID: "u1", Text: "hello", Timestamp: now})
	require.NoError(t, err)
	return obs
}

func TestSemanticSignal(t *testing.T) {
	obs := observe(t, NewSemanticSignal(fakeEmbedder{vec: []float32{1, 0}}))
	env := Env{Now: now}

	assert.InDelta(t, 1.0, obs.Score(&models.Thread{TopicCentroid: []float32{2, 0}}, env), 1e-9)
	assert.InDelta(t, 0.0, obs.Score(&models.Thread{TopicCentroid: []float32{-1, 0}}, env), 1e-9)
	assert.Equal(t, Neutral, obs.Score(&models.Thread{}, env))
	assert.Equal(t, Neutral, obs.Score(&models.Thread{TopicCentroid: []float32{1, 0, 0}}, env))

	var f Features
	obs.(Contributor).Contribute(&f)
	assert.Equal(t, []float32{1, 0}, f.Embedding)
}

func TestSemanticSignal_Error(t *testing.T) {
	_, err := NewSemanticSignal(fakeEmbedder{err: errors.New("down")}).
		Observe(context.Background(), models.IncomingMessage{Text: "x"})
	assert.Error(t, err)
}

func TestTemporalSignal(t *testing.T) {
	s := NewTemporalSignal(2 * time.Hour)
	assert.True(t, IsLocal(s))
	obs := observe(t, s)

	thread := &models.Thread{LastActivityAt: now.Add(-2 * time.Hour)}
	assert.InDelta(t, math.Exp(-1), obs.Score(thread, Env{Now: now}), 1e-9)
	// A personalized tau overrides the default.
	assert.InDelta(t, math.Exp(-0.5), obs.Score(thread, Env{Now: now, DecayTau: 4 * time.Hour}), 1e-9)
	// Clock skew counts as no idle time.
	assert.Equal(t, 1.0, obs.Score(&models.Thread{LastActivityAt: now.Add(time.Minute)}, Env{Now: now}))
}

func TestDecay_Monotonic(t *testing.T) {
	prev := Decay(0, time.Hour)
	assert.Equal(t, 1.0, prev)
	for _, idle := range []time.Duration{time.Minute, 10 * time.Minute, time.Hour, 5 * time.Hour, 48 * time.Hour} {
		d := Decay(idle, time.Hour)
		assert.Less(t, d, prev)
		assert.Greater(t, d, 0.0)
		prev = d
	}
}

func TestIntentSignal(t *testing.T) {
	thread := &models.Thread{RecentIntents: []string{"question", "work"}}
	env := Env{Now: now}

	tests := []struct {
		name   string
		fake   fakeClassifier
		thread *models.Thread
		want   float64
	}{
		{"same as last", fakeClassifier{label: "Work", confidence: 0.9}, thread, 1},
		{"seen earlier", fakeClassifier{label: "question", confidence: 0.9}, thread, 0.8},
		{"new intent", fakeClassifier{label: "travel", confidence: 0.8}, thread, 0.1},
		{"greeting is a hard shift", fakeClassifier{label: classifier.IntentGreeting, confidence: 0.9}, thread, 0},
		{"farewell is a hard shift", fakeClassifier{label: classifier.IntentFarewell, confidence: 0.9}, thread, 0},
		{"no history", fakeClassifier{label: "work", confidence: 0.9}, &models.Thread{}, Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := observe(t, NewIntentSignal(tt.fake))
			assert.InDelta(t, tt.want, obs.Score(tt.thread, env), 1e-9)
		})
	}
}

func TestEntitySignal(t *testing.T) {
	obs := observe(t, NewEntitySignal(fakeClassifier{entities: []string{"Postgres", "alice", "postgres", " "}}))
	env := Env{Now: now}

	assert.InDelta(t, 1.0, obs.Score(&models.Thread{RecentEntities: []string{"alice", "POSTGRES"}}, env), 1e-9)
	assert.InDelta(t, 0.5, obs.Score(&models.Thread{RecentEntities: []string{"alice"}}, env), 1e-9)
	assert.InDelta(t, 0.0, obs.Score(&models.Thread{RecentEntities: []string{"bob"}}, env), 1e-9)
	assert.Equal(t, Neutral, obs.Score(&models.Thread{}, env))

	var f Features
	obs.(Contributor).Contribute(&f)
	assert.Equal(t, []string{"postgres", "alice"}, f.Entities)

	empty := observe(t, NewEntitySignal(fakeClassifier{}))
	assert.Equal(t, Neutral, empty.Score(&models.Thread{RecentEntities: []string{"alice"}}, env))
}

// funcSignal adapts a function to Signal for gather tests.
type funcSignal struct {
	name  string
	local bool
	fn    func(ctx context.Context) (Observation, error)
}

func (s funcSignal) Name() string { return s.name }

func (s funcSignal) Local() bool { return s.local }

func (s funcSignal) Observe(ctx context.Context, _ models.IncomingMessage) (Observation, error) {
	return s.fn(ctx)
}

type constObservation float64

func (c constObservation) Score(*models.Thread, Env) float64 { return float64(c) }

func instant(v float64) func(context.Context) (Observation, error) {
	return func(context.Context) (Observation, error) { return constObservation(v), nil }
}

func TestGather_AllAnswer(t *testing.T) {
	sigs := []Signal{
		funcSignal{name: "a", fn: instant(0.1)},
		funcSignal{name: "b", local: true, fn: instant(0.2)},
	}
	results := Gather(context.Background(), models.IncomingMessage{}, sigs, GatherOptions{CallTimeout: time.Second, Deadline: time.Second})
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Name)
	assert.True(t, results[0].Available())
	assert.False(t, results[0].Local)
	assert.Equal(t, "b", results[1].Name)
	assert.True(t, results[1].Local)
	assert.False(t, AllRemoteUnavailable(results))
}

func TestGather_CallTimeout(t *testing.T) {
	slow := funcSignal{name: "slow", fn: func(ctx context.Context) (Observation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	results := Gather(context.Background(), models.IncomingMessage{},
		[]Signal{slow, funcSignal{name: "fast", fn: instant(1)}},
		GatherOptions{CallTimeout: 20 * time.Millisecond, Deadline: time.Second})

	assert.False(t, results[0].Available())
	assert.True(t, results[0].TimedOut)
	assert.ErrorIs(t, results[0].Err, ErrUnavailable)
	assert.True(t, results[1].Available())
}

func TestGather_DeadlineReturnsWithoutWaiting(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stuck := funcSignal{name: "stuck", fn: func(context.Context) (Observation, error) {
		<-release
		return constObservation(1), nil
	}}

	start := time.Now()
	results := Gather(context.Background(), models.IncomingMessage{},
		[]Signal{stuck, funcSignal{name: "temporal", local: true, fn: instant(1)}},
		GatherOptions{Deadline: 30 * time.Millisecond})

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, results[0].Available())
	assert.True(t, results[0].TimedOut)
	assert.True(t, results[1].Available())
	assert.True(t, AllRemoteUnavailable(results))
}

func TestGather_ObserveIsDetachedFromCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan error, 1)
	sig := funcSignal{name: "a", fn: func(callCtx context.Context) (Observation, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		seen <- callCtx.Err()
		return constObservation(1), nil
	}}

	results := Gather(ctx, models.IncomingMessage{}, []Signal{sig}, GatherOptions{CallTimeout: time.Second, Deadline: time.Second})
	assert.False(t, results[0].Available())
	assert.NoError(t, <-seen)
}

func TestAllRemoteUnavailable_NoRemoteSignals(t *testing.T) {
	results := []Result{{Name: "temporal", Local: true, Observation: constObservation(1)}}
	assert.False(t, AllRemoteUnavailable(results))
}

func TestCollectFeatures_SkipsUnavailable(t *testing.T) {
	results := []Result{
		{Name: Semantic, Observation: semanticObservation{embedding: []float32{1}}},
		{Name: Intent, Err: ErrUnavailable, Observation: intentObservation{label: "work"}},
		{Name: Entity, Observation: entityObservation{entities: []string{"go"}}},
	}
	f := CollectFeatures(results)
	assert.Equal(t, []float32{1}, f.Embedding)
	assert.Empty(t, f.Intent)
	assert.Equal(t, []string{"go"}, f.Entities)
}
