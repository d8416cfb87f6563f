package types

import "time"

// Chunk is a bounded slice of a source document, the unit of embedding and
// retrieval. Chunks are never updated once stored.
type Chunk struct {
	ID         string    `json:"id"`
	FileName   string    `json:"file_name"`
	Content    string    `json:"content"`
	TenantID   string    `json:"tenant_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	Embedding  []float32 `json:"-"`

	// AdminKB marks organization-wide knowledge base content as opposed to
	// content scoped to a single conversation thread.
	AdminKB   bool      `json:"admin_kb"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoredChunk pairs a chunk with its similarity to a query.
// Score is 1/(1+distance): 1.0 for an exact match, approaching 0 as distance grows.
type ScoredChunk struct {
	Score    float64 `json:"score"`
	Distance float64 `json:"distance"`
	Chunk    Chunk   `json:"chunk"`
}

// SearchFilter narrows a plain-text search. Empty fields are not applied.
type SearchFilter struct {
	TenantID string
	ThreadID string
	FileName string
	AdminKB  *bool
	Limit    int
}
