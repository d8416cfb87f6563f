package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/scrypster/tenantdb/pkg/types"
)

// MemoryStore is a brute-force ChunkStore for development databases without
// pgvector. Chunks are partitioned by dsn and lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string][]types.Chunk
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string][]types.Chunk)}
}

// Insert appends chunks.
func (s *MemoryStore) Insert(_ context.Context, dsn string, chunks []types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		s.chunks[dsn] = append(s.chunks[dsn], c)
	}
	return nil
}

// Nearest scans every chunk in dsn.
func (s *MemoryStore) Nearest(_ context.Context, dsn string, vec []float32, k int, f NearestFilter) ([]types.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ScoredChunk
	for _, c := range s.chunks[dsn] {
		inScope := c.TenantID == f.TenantID && (f.ThreadID == "" || c.ThreadID == f.ThreadID)
		if !inScope && !(f.IncludeKnowledgeBase && c.AdminKB) {
			continue
		}
		d := l2(vec, c.Embedding)
		c.Embedding = nil
		out = append(out, types.ScoredChunk{Chunk: c, Distance: d, Score: Score(d)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Search matches content case-insensitively.
func (s *MemoryStore) Search(_ context.Context, dsn, substring string, f types.SearchFilter) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(substring)
	out := []types.Chunk{}
	for _, c := range s.chunks[dsn] {
		switch {
		case !strings.Contains(strings.ToLower(c.Content), needle):
		case f.TenantID != "" && c.TenantID != f.TenantID:
		case f.ThreadID != "" && c.ThreadID != f.ThreadID:
		case f.FileName != "" && c.FileName != f.FileName:
		case f.AdminKB != nil && c.AdminKB != *f.AdminKB:
		default:
			c.Embedding = nil
			out = append(out, c)
		}
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func l2(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

var _ ChunkStore = (*MemoryStore)(nil)
