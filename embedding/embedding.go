// Package embedding turns text into fixed-dimension float32 vectors.
//
// The Pipeline wraps a model-inference Backend with a bounded cache, retry
// with error classification, and latency percentile tracking. Backends are
// adapters over real inference services (see the openai and ollama
// subpackages) or in-process fakes in tests.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyText is returned for empty or whitespace-only input. The backend
// is never called for such input.
var ErrEmptyText = errors.New("cannot generate embedding for empty text")

// Backend is the model-inference collaborator.
type Backend interface {
	// Embed converts one text into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts several texts into vectors, one per input, in
	// input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrorKind classifies backend failures so the pipeline can decide whether a
// retry is worthwhile. Adapters map provider-specific errors onto this closed
// enum; the pipeline never string-matches error messages.
type ErrorKind int

const (
	// KindUnknown covers unclassified failures; retried like transient ones.
	KindUnknown ErrorKind = iota

	// KindTransient marks failures worth one retry (timeouts, 5xx, resets).
	KindTransient

	// KindOOM marks out-of-memory conditions in the inference backend.
	// Retrying immediately would fail again, so the pipeline does not.
	KindOOM

	// KindInvalidInput marks failures caused by the request itself.
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindOOM:
		return "oom"
	case KindInvalidInput:
		return "invalid-input"
	default:
		return "unknown"
	}
}

// BackendError wraps a backend failure with its classification.
type BackendError struct {
	Kind ErrorKind
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("embedding backend error (%s): %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err with the given kind.
func NewBackendError(kind ErrorKind, err error) *BackendError {
	return &BackendError{Kind: kind, Err: err}
}

// KindOf extracts the classification from an error chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}
