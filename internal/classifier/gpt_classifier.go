package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Classify and Extract are called concurrently for the same message; one
// model answer serves both.
const (
	analysisCacheSize = 256
	analysisCacheTTL  = time.Minute
)

type GPTResponse struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Entities   []string `json:"entities"`
}

type GPTClassifier struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	maxEntities int
	limiter     *rate.Limiter
	fallback    *SimpleClassifier
	logger      *zap.Logger

	inflight singleflight.Group
	answers  *expirable.LRU[string, GPTResponse]
}

func NewGPTClassifier(apiKey string, model string, maxTokens int, temperature float64, maxEntities int, logger *zap.Logger) *GPTClassifier {
	return &GPTClassifier{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		maxEntities: maxEntities,
		limiter:     rate.NewLimiter(rate.Limit(5), 5),
		fallback:    NewSimpleClassifier(0.5, maxEntities),
		logger:      logger,
		answers:     expirable.NewLRU[string, GPTResponse](analysisCacheSize, nil, analysisCacheTTL),
	}
}

const analysisPrompt = `Analyze the following chat message and return a JSON object with:
- "intent": one short lowercase label for what the user is doing. Use "greeting" when the message
  opens a conversation and "farewell" when it closes one.
- "confidence": your confidence in the intent label between 0 and 1
- "entities": named people, places, products, projects or topics mentioned (max %d), lowercase

Return only the JSON object:
{
    "intent": "label",
    "confidence": 0.8,
    "entities": ["entity1", "entity2"]
}

Message: %s`

// analyze returns the model's answer for content, sharing one request between
// concurrent callers and reusing recent answers. Failures are not cached.
func (c *GPTClassifier) analyze(ctx context.Context, content string) (GPTResponse, error) {
	if r, ok := c.answers.Get(content); ok {
		return r, nil
	}
	v, err, _ := c.inflight.Do(content, func() (any, error) {
		if r, ok := c.answers.Get(content); ok {
			return r, nil
		}
		r, err := c.complete(ctx, content)
		if err != nil {
			return GPTResponse{}, err
		}
		c.answers.Add(content, r)
		return r, nil
	})
	if err != nil {
		return GPTResponse{}, err
	}
	return v.(GPTResponse), nil
}

func (c *GPTClassifier) complete(ctx context.Context, content string) (GPTResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return GPTResponse{}, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf(analysisPrompt, c.maxEntities, content),
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
		},
	)
	if err != nil {
		return GPTResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return GPTResponse{}, fmt.Errorf("chat completion: no choices")
	}

	var gptResponse GPTResponse
	response := strings.TrimSpace(resp.Choices[0].Message.Content)
	response = strings.TrimSuffix(strings.TrimPrefix(response, "```json"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &gptResponse); err != nil {
		c.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", response))
		return GPTResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return gptResponse, nil
}

// Classify asks the model for an intent label. Errors are returned so the
// resolver can treat the intent signal as unavailable.
func (c *GPTClassifier) Classify(ctx context.Context, text string) (string, float64, error) {
	r, err := c.analyze(ctx, text)
	if err != nil {
		c.logger.Warn("Failed to get GPT intent", zap.Error(err))
		return "", 0, err
	}
	label := strings.ToLower(strings.TrimSpace(r.Intent))
	if label == "" {
		return c.fallback.Classify(ctx, text)
	}
	confidence := r.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	return label, confidence, nil
}

func (c *GPTClassifier) Extract(ctx context.Context, text string) ([]string, error) {
	r, err := c.analyze(ctx, text)
	if err != nil {
		c.logger.Warn("Failed to get GPT entities", zap.Error(err))
		return nil, err
	}

	entities := make([]string, 0, len(r.Entities))
	for _, e := range r.Entities {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			entities = append(entities, e)
		}
	}
	if len(entities) > c.maxEntities {
		entities = entities[:c.maxEntities]
	}
	return entities, nil
}
