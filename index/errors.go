package index

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrEmptyVector is returned when a vector has no components.
	ErrEmptyVector = errors.New("vector must not be empty")

	// ErrEmptyID is returned when a document has no id.
	ErrEmptyID = errors.New("document id must not be empty")

	// ErrNonFiniteVector is returned when a vector contains NaN or Inf.
	ErrNonFiniteVector = errors.New("vector contains non-finite values")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrBatchBudgetExceeded indicates a batch whose estimated memory footprint
// exceeds the configured budget. The batch is rejected before any mutation.
type ErrBatchBudgetExceeded struct {
	Estimated int // Estimated bytes for the whole batch
	Budget    int // Configured budget in bytes
}

func (e *ErrBatchBudgetExceeded) Error() string {
	return fmt.Sprintf("batch memory budget exceeded: estimated %d bytes, budget %d bytes", e.Estimated, e.Budget)
}
