package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimpleClassifier_Classify(t *testing.T) {
	c := NewSimpleClassifier(0.7, 5)
	ctx := context.Background()

	tests := []struct {
		name       string
		text       string
		label      string
		confidence float64
	}{
		{"bare greeting", "Hi there!", IntentGreeting, 0.9},
		{"greeting with content", "Hey, can you check the report numbers again", IntentGreeting, 0.6},
		{"farewell", "Good night, talk tomorrow", IntentFarewell, 0.9},
		{"keyword category", "The deadline for the report moved", "work", 0.7},
		{"question", "Why is the build red", "question", 0.7},
		{"no keywords", "lorem ipsum dolor", IntentGeneral, 0.35},
		{"empty", "  ", IntentGeneral, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, confidence, err := c.Classify(ctx, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.label, label)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
		})
	}
}

func TestSimpleClassifier_Extract(t *testing.T) {
	c := NewSimpleClassifier(0.7, 3)
	ctx := context.Background()

	entities, err := c.Extract(ctx, "Deploy went fine. Tell Alice the #Release is on Friday")
	require.NoError(t, err)
	// "Deploy" and "Tell" start sentences; the rest is sorted and capped at 3.
	assert.Equal(t, []string{"alice", "friday", "release"}, entities)

	entities, err = c.Extract(ctx, "nothing capitalized here")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestSimpleClassifier_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewSimpleClassifier(0.7, 5)
	_, _, err := c.Classify(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = c.Extract(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func newTestGPT(t *testing.T, content string, status int) (*GPTClassifier, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if status != http.StatusOK {
			http.Error(w, `{"error":{"message":"unavailable"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewGPTClassifier("test", "gpt-test", 100, 0, 2, zap.NewNop())
	cfg := openai.DefaultConfig("test")
	cfg.BaseURL = srv.URL + "/v1"
	c.client = openai.NewClientWithConfig(cfg)
	return c, &requests
}

func TestGPTClassifier_ParsesResponse(t *testing.T) {
	c, _ := newTestGPT(t, "```json\n{\"intent\": \"Question\", \"confidence\": 1.4, \"entities\": [\" Postgres \", \"alice\", \"bob\"]}\n```", http.StatusOK)
	ctx := context.Background()

	label, confidence, err := c.Classify(ctx, "why is postgres slow?")
	require.NoError(t, err)
	assert.Equal(t, "question", label)
	assert.Equal(t, 1.0, confidence)

	entities, err := c.Extract(ctx, "why is postgres slow?")
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres", "alice"}, entities)
}

func TestGPTClassifier_EmptyIntentFallsBack(t *testing.T) {
	c, _ := newTestGPT(t, `{"intent": "", "confidence": 0.2, "entities": []}`, http.StatusOK)

	label, _, err := c.Classify(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, IntentGreeting, label)
}

func TestGPTClassifier_Errors(t *testing.T) {
	c, requests := newTestGPT(t, "", http.StatusServiceUnavailable)
	_, _, err := c.Classify(context.Background(), "hello")
	assert.Error(t, err)
	// Failures are retried on the next call.
	_, err = c.Extract(context.Background(), "hello")
	assert.Error(t, err)
	assert.GreaterOrEqual(t, requests.Load(), int32(2))

	c, _ = newTestGPT(t, "not json", http.StatusOK)
	_, err = c.Extract(context.Background(), "hello")
	assert.Error(t, err)
}

func TestGPTClassifier_OneRequestPerMessage(t *testing.T) {
	c, requests := newTestGPT(t, `{"intent": "work", "confidence": 0.9, "entities": ["postgres"]}`, http.StatusOK)
	ctx := context.Background()

	// The intent and entity signals ask concurrently.
	var (
		wg       sync.WaitGroup
		label    string
		entities []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		label, _, err = c.Classify(ctx, "the postgres migration")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		var err error
		entities, err = c.Extract(ctx, "the postgres migration")
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, "work", label)
	assert.Equal(t, []string{"postgres"}, entities)
	assert.Equal(t, int32(1), requests.Load())

	_, _, err := c.Classify(ctx, "the postgres migration")
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())

	_, err = c.Extract(ctx, "something else")
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
}
