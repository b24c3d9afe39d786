package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"
)

// openaiEmbedder calls an OpenAI-compatible embeddings endpoint. The base
// URL is overridable so the same client works against local inference
// servers that speak the OpenAI wire format.
type openaiEmbedder struct {
	client    openai.Client
	model     string
	dim       int
	batchSize int

	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration
}

// NewOpenAI builds an Embedder backed by an OpenAI-compatible embeddings
// endpoint. baseURL may be empty to use the public OpenAI API.
func NewOpenAI(apiKey, baseURL, model string, dim int) Embedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiEmbedder{
		client:    openai.NewClient(opts...),
		model:     model,
		dim:       dim,
		batchSize: 64,
		minDelay:  0,
	}
}

func (o *openaiEmbedder) Name() string   { return o.model }
func (o *openaiEmbedder) Dimension() int { return o.dim }

func (o *openaiEmbedder) Ping(ctx context.Context) error {
	_, err := o.EmbedBatch(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embedding endpoint reachability check failed: %w", err)
	}
	return nil
}

func (o *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out [][]float32
	for i := 0; i < len(texts); i += o.batchSize {
		end := i + o.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := o.rateLimitedCall(ctx, texts[i:end])
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (o *openaiEmbedder) rateLimitedCall(ctx context.Context, texts []string) ([][]float32, error) {
	o.mu.Lock()
	if !o.lastCall.IsZero() {
		if elapsed := time.Since(o.lastCall); elapsed < o.minDelay {
			time.Sleep(o.minDelay - elapsed)
		}
	}
	o.lastCall = time.Now()
	o.mu.Unlock()

	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: o.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		log.Error().Err(err).Int("batch_size", len(texts)).Msg("embedding request failed")
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
