package smart

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"mcphub/internal/api"
)

// DefaultEmbeddingModel is used when the settings do not name a model.
const DefaultEmbeddingModel = "text-embedding-3-small"

// Embedder produces vector embeddings for text.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the output dimension of the model.
	Dimensions() int

	// Model is the model identifier sent with each request.
	Model() string
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

// NewOpenAIEmbedder builds an embedder for the configured endpoint. An
// empty model falls back to DefaultEmbeddingModel, an empty baseURL to the
// public OpenAI API.
func NewOpenAIEmbedder(apiKey, baseURL, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, api.NewConfigError("smart routing requires an OpenAI API key")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		// The SDK resolves endpoint paths relative to the base URL, so a
		// trailing slash is required for the last path segment to survive.
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIEmbedder{client: oai.NewClient(opts...), model: model}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements Embedder.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed batch: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("embed batch: unexpected index %d", d.Index)
		}
		result[d.Index] = float64ToFloat32(d.Embedding)
	}
	return result, nil
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int {
	if strings.Contains(strings.ToLower(e.model), "text-embedding-3-large") {
		return 3072
	}
	return 1536
}

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
