package signals

import (
	"context"
	"strings"

	"github.com/xaenox/threadkeeper/internal/classifier"
	"github.com/xaenox/threadkeeper/internal/models"
)

// EntitySignal scores the share of message entities already seen in a thread.
type EntitySignal struct {
	extractor classifier.EntityExtractor
}

func NewEntitySignal(e classifier.EntityExtractor) *EntitySignal {
	return &EntitySignal{extractor: e}
}

func (s *EntitySignal) Name() string { return Entity }

func (s *EntitySignal) Observe(ctx context.Context, msg models.IncomingMessage) (Observation, error) {
	entities, err := s.extractor.Extract(ctx, msg.Text)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entities))
	normalized := make([]string, 0, len(entities))
	for _, e := range entities {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !seen[e] {
			seen[e] = true
			normalized = append(normalized, e)
		}
	}
	return entityObservation{entities: normalized}, nil
}

type entityObservation struct {
	entities []string
}

func (o entityObservation) Score(t *models.Thread, _ Env) float64 {
	if len(o.entities) == 0 || len(t.RecentEntities) == 0 {
		return Neutral
	}
	known := make(map[string]bool, len(t.RecentEntities))
	for _, e := range t.RecentEntities {
		known[strings.ToLower(e)] = true
	}
	hits := 0
	for _, e := range o.entities {
		if known[e] {
			hits++
		}
	}
	return float64(hits) / float64(len(o.entities))
}

func (o entityObservation) Contribute(f *Features) {
	f.Entities = o.entities
}
