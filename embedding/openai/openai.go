// Package openai adapts the OpenAI embeddings API to embedding.Backend.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/engramdb/engram/embedding"
)

// Options contains configuration for the OpenAI backend.
type Options struct {
	// BaseURL overrides the API endpoint (for proxies or compatible servers).
	BaseURL string

	// Model selects the embedding model.
	Model goopenai.EmbeddingModel
}

// DefaultOptions are the default OpenAI backend options.
var DefaultOptions = Options{
	Model: goopenai.SmallEmbedding3,
}

// Backend calls the OpenAI embeddings endpoint.
type Backend struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
}

var _ embedding.Backend = (*Backend)(nil)

// New creates an OpenAI embedding backend.
func New(apiKey string, optFns ...func(o *Options)) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	config := goopenai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}

	return &Backend{
		client: goopenai.NewClientWithConfig(config),
		model:  opts.Model,
	}, nil
}

// Embed converts one text into a vector.
func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch converts several texts into vectors in input order.
func (b *Backend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := b.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: texts,
		Model: b.model,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, embedding.NewBackendError(embedding.KindUnknown,
			fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// classify maps OpenAI API errors onto the pipeline's error-kind enum.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests,
			apiErr.HTTPStatusCode >= http.StatusInternalServerError &&
				apiErr.HTTPStatusCode != http.StatusInsufficientStorage:
			return embedding.NewBackendError(embedding.KindTransient, err)
		case apiErr.HTTPStatusCode == http.StatusInsufficientStorage:
			return embedding.NewBackendError(embedding.KindOOM, err)
		case apiErr.HTTPStatusCode >= http.StatusBadRequest && apiErr.HTTPStatusCode < http.StatusInternalServerError:
			return embedding.NewBackendError(embedding.KindInvalidInput, err)
		}
	}
	return embedding.NewBackendError(embedding.KindUnknown, err)
}
