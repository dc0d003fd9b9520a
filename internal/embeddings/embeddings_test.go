package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(0)
	assert.Equal(t, DefaultHashDimension, e.Dimension())

	a, err := e.Embed(ctx, "Deploying the Postgres migration tonight")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "deploying the postgres migration tonight!")
	require.NoError(t, err)

	assert.Len(t, a, DefaultHashDimension)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
}

func TestHashEmbedder_Similarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(512)

	base, err := e.Embed(ctx, "the postgres migration failed on the users table")
	require.NoError(t, err)
	related, err := e.Embed(ctx, "retry the postgres migration on the users table")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "best pizza places near the river")
	require.NoError(t, err)

	assert.Greater(t, Cosine(base, related), Cosine(base, unrelated))
}

func TestHashEmbedder_EmptyInput(t *testing.T) {
	_, err := NewHashEmbedder(0).Embed(context.Background(), "  ?! ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestBlend(t *testing.T) {
	got := Blend([]float32{1, 0}, []float32{0, 1}, 0.9)
	assert.InDelta(t, 0.9, got[0], 1e-6)
	assert.InDelta(t, 0.1, got[1], 1e-6)

	// No previous centroid adopts the new vector.
	assert.Equal(t, []float32{0, 1}, Blend(nil, []float32{0, 1}, 0.9))
	// Nothing new keeps the old centroid.
	assert.Equal(t, []float32{1, 0}, Blend([]float32{1, 0}, nil, 0.9))
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", RateLimit: 100}, zap.NewNop())
	vec, err := e.Embed(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	_, err = e.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAIEmbedder_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", RateLimit: 100}, zap.NewNop())
	_, err := e.Embed(context.Background(), "hello there")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}
