package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch rejects an embedding whose length differs from
	// the store's vector column.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyQuery is returned for a search without query text.
	ErrEmptyQuery = errors.New("query text is required")
)

// Error wraps a failure from the embedder or the chunk store with the
// operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retrieval: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
