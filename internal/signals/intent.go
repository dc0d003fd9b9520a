package signals

import (
	"context"
	"strings"

	"github.com/xaenox/threadkeeper/internal/classifier"
	"github.com/xaenox/threadkeeper/internal/models"
)

// IntentSignal scores how well the message intent continues a thread's recent intents.
type IntentSignal struct {
	classifier classifier.IntentClassifier
	hardShift  map[string]bool
}

func NewIntentSignal(c classifier.IntentClassifier) *IntentSignal {
	return &IntentSignal{
		classifier: c,
		hardShift: map[string]bool{
			classifier.IntentGreeting: true,
			classifier.IntentFarewell: true,
		},
	}
}

func (s *IntentSignal) Name() string { return Intent }

func (s *IntentSignal) Observe(ctx context.Context, msg models.IncomingMessage) (Observation, error) {
	label, confidence, err := s.classifier.Classify(ctx, msg.Text)
	if err != nil {
		return nil, err
	}
	label = strings.ToLower(strings.TrimSpace(label))
	return intentObservation{
		label:      label,
		confidence: clamp01(confidence),
		hardShift:  s.hardShift[label],
	}, nil
}

type intentObservation struct {
	label      string
	confidence float64
	hardShift  bool
}

func (o intentObservation) Score(t *models.Thread, _ Env) float64 {
	if o.hardShift {
		return 0
	}
	n := len(t.RecentIntents)
	if n == 0 || o.label == "" {
		return Neutral
	}
	if t.RecentIntents[n-1] == o.label {
		return 1
	}
	for _, prev := range t.RecentIntents[:n-1] {
		if prev == o.label {
			return 0.8
		}
	}
	return Neutral * (1 - o.confidence)
}

func (o intentObservation) Contribute(f *Features) {
	f.Intent = o.label
}
