// Package embeddings turns message text into vectors for semantic scoring.
package embeddings

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

var (
	// ErrEmptyInput indicates there was no text to embed.
	ErrEmptyInput = errors.New("empty input text")

	// ErrEmbeddingFailed indicates the backing provider failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Service produces an embedding vector for a text.
type Service interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultHashDimension is the vector size of HashEmbedder.
const DefaultHashDimension = 256

// HashEmbedder is a deterministic, offline embedder based on feature hashing of
// lower-cased word unigrams and bigrams. It has no notion of synonyms but is
// stable across processes, which makes it usable without an API key.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Dimension() int {
	return h.dimension
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := tokenize(text)
	if len(words) == 0 {
		return nil, ErrEmptyInput
	}

	vec := make([]float32, h.dimension)
	add := func(feature string, weight float32) {
		hf := fnv.New32a()
		hf.Write([]byte(feature))
		sum := hf.Sum32()
		idx := int(sum % uint32(h.dimension))
		// The top bit picks the sign so collisions tend to cancel out.
		if sum&(1<<31) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}
	return Normalize(vec), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Mismatched or zero-length vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Blend returns keep*old + (1-keep)*next. A missing or mismatched old vector
// is replaced by next.
func Blend(old, next []float32, keep float32) []float32 {
	if len(next) == 0 {
		return append([]float32(nil), old...)
	}
	if len(old) != len(next) {
		return append([]float32(nil), next...)
	}
	out := make([]float32, len(old))
	for i := range old {
		out[i] = keep*old[i] + (1-keep)*next[i]
	}
	return out
}
