// Package embedding provides the text-embedding client used by the
// similarity pruner. Any OpenAI-compatible endpoint works; the provider is
// selected per request from configuration. A Redis-backed cache decorator
// avoids re-billing identical texts.
package embedding

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/audiencelab/threadscout/internal/resilience"
)

// Result holds the vectors for one Embed call, in input order, plus the
// provider-reported token usage. Cache hits contribute zero tokens.
type Result struct {
	Vectors      [][]float32
	PromptTokens int
	TotalTokens  int
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*Result, error)
	// Model and Dimensions identify the vector space; cache keys include
	// both so differently-shaped vectors never collide.
	Model() string
	Dimensions() int
}

// Config holds the provider settings for one embedding endpoint.
type Config struct {
	APIKey     string
	BaseURL    string // empty = api.openai.com
	Model      string
	Dimensions int
}

// Option configures the client.
type Option func(*apiEmbedder)

// WithRetryPolicy overrides the retry policy (for testing).
func WithRetryPolicy(p resilience.Policy) Option {
	return func(e *apiEmbedder) {
		e.retry = p
	}
}

type apiEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
	retry  resilience.Policy
}

// New creates an embedder against an OpenAI-compatible endpoint.
func New(cfg Config, opts ...Option) Embedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	e := &apiEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(cfg.Model),
		dims:   cfg.Dimensions,
		retry:  resilience.EmbeddingPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *apiEmbedder) Model() string {
	return string(e.model)
}

func (e *apiEmbedder) Dimensions() int {
	return e.dims
}

func (e *apiEmbedder) Embed(ctx context.Context, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{}, nil
	}

	req := openai.EmbeddingRequest{
		Input:          texts,
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if e.dims > 0 {
		req.Dimensions = e.dims
	}

	policy := e.retry
	policy.Classify = retryableAPIError
	policy.OnAttempt = resilience.AttemptLogger("embedding", "create")

	resp, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (openai.EmbeddingResponse, error) {
		return e.client.CreateEmbeddings(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrap(err, "embedding: create")
	}
	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	result := &Result{
		Vectors:      make([][]float32, len(texts)),
		PromptTokens: resp.Usage.PromptTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	// The API reports each vector's input index; do not assume response
	// order.
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, eris.Errorf("embedding: vector index %d out of range", d.Index)
		}
		result.Vectors[d.Index] = d.Embedding
	}
	return result, nil
}

// retryableAPIError classifies provider errors: retry transport failures and
// retryable HTTP statuses, give up on everything else (bad request, auth).
func retryableAPIError(err error) bool {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return resilience.RetryableStatus(reqErr.HTTPStatusCode)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return resilience.RetryableStatus(apiErr.HTTPStatusCode)
	}
	return resilience.Retryable(err)
}
