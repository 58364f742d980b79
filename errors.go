package engram

import (
	"errors"
	"fmt"

	"github.com/engramdb/engram/index"
	"github.com/engramdb/engram/persistence"
)

var (
	// ErrNotFound is returned when a memory is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrCorrupted is returned when persisted state cannot be decoded.
	ErrCorrupted = persistence.ErrCorrupted
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrEmbeddingDimensionMismatch indicates that a freshly generated embedding
// does not match the dimension the store was built with. This usually means
// the backend model changed between runs; the store refuses the write rather
// than mixing incompatible vector spaces.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrEmbeddingDimensionMismatch struct {
	IndexDimension     int
	EmbeddingDimension int
	cause              error
}

func (e *ErrEmbeddingDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension %d does not match index dimension %d",
		e.EmbeddingDimension, e.IndexDimension)
}

func (e *ErrEmbeddingDimensionMismatch) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *index.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	if errors.Is(err, index.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	return err
}
