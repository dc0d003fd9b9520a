package signals

import (
	"context"

	"github.com/xaenox/threadkeeper/internal/embeddings"
	"github.com/xaenox/threadkeeper/internal/models"
)

// SemanticSignal compares the message embedding with each thread's topic centroid.
type SemanticSignal struct {
	embedder embeddings.Service
}

func NewSemanticSignal(embedder embeddings.Service) *SemanticSignal {
	return &SemanticSignal{embedder: embedder}
}

func (s *SemanticSignal) Name() string { return Semantic }

func (s *SemanticSignal) Observe(ctx context.Context, msg models.IncomingMessage) (Observation, error) {
	vec, err := s.embedder.Embed(ctx, msg.Text)
	if err != nil {
		return nil, err
	}
	return semanticObservation{embedding: vec}, nil
}

type semanticObservation struct {
	embedding []float32
}

// Score is the cosine similarity clamped to [0, 1]. Threads without a
// comparable centroid score Neutral.
func (o semanticObservation) Score(t *models.Thread, _ Env) float64 {
	if len(t.TopicCentroid) == 0 || len(t.TopicCentroid) != len(o.embedding) {
		return Neutral
	}
	return clamp01(embeddings.Cosine(o.embedding, t.TopicCentroid))
}

func (o semanticObservation) Contribute(f *Features) {
	f.Embedding = o.embedding
}
