// Package ollama adapts a local Ollama server to embedding.Backend.
package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/engramdb/engram/embedding"
)

// Options contains configuration for the Ollama backend.
type Options struct {
	// BaseURL is the Ollama server address. Defaults to OLLAMA_HOST or
	// http://localhost:11434.
	BaseURL string

	// Model selects the embedding model.
	Model string
}

// DefaultOptions are the default Ollama backend options.
var DefaultOptions = Options{
	Model: "nomic-embed-text",
}

// Backend calls a local Ollama server for embeddings.
type Backend struct {
	client *api.Client
	model  string
}

var _ embedding.Backend = (*Backend)(nil)

// New creates an Ollama embedding backend.
func New(optFns ...func(o *Options)) (*Backend, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	return &Backend{
		client: api.NewClient(uri, http.DefaultClient),
		model:  opts.Model,
	}, nil
}

// Embed converts one text into a vector.
func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := b.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  b.model,
		Prompt: text,
	})
	if err != nil {
		return nil, classify(err)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// EmbedBatch converts several texts into vectors in input order. The
// embeddings endpoint takes one prompt per call, so the batch is sequential;
// the pipeline provides cross-batch concurrency.
func (b *Backend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := b.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// classify maps Ollama errors onto the pipeline's error-kind enum. Local
// inference surfaces OOM as a server error whose message names the memory
// condition; that provider-specific knowledge belongs here, not in the
// pipeline.
func classify(err error) error {
	var be *embedding.BackendError
	if errors.As(err, &be) {
		return err
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom") {
		return embedding.NewBackendError(embedding.KindOOM, err)
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return embedding.NewBackendError(embedding.KindTransient, err)
		case statusErr.StatusCode >= http.StatusBadRequest:
			return embedding.NewBackendError(embedding.KindInvalidInput, err)
		}
	}
	return embedding.NewBackendError(embedding.KindUnknown, err)
}
