// Package retrieval indexes document chunks with their embeddings into a
// tenant's database and answers similarity and substring queries over them.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/resolver"
	"github.com/scrypster/tenantdb/internal/schema"
	"github.com/scrypster/tenantdb/pkg/types"
)

// Score maps an L2 distance to (0, 1]: 1 for identical vectors, decreasing
// monotonically as distance grows.
func Score(distance float64) float64 {
	return 1 / (1 + distance)
}

// Resolver picks the database for a request.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (string, error)
}

// ChunkInput is one pre-embedded chunk handed to Index.
type ChunkInput struct {
	Content   string
	Embedding []float32
}

// IndexRequest describes one document to index.
type IndexRequest struct {
	FileName string
	Chunks   []ChunkInput
	ThreadID string
	AdminKB  bool
}

// IndexResult reports what happened to one chunk. ID is empty when Err is set.
type IndexResult struct {
	ChunkIndex int
	ID         string
	Err        error
}

// IngestRequest describes raw text to chunk, embed and index.
type IngestRequest struct {
	FileName string
	Text     string
	ThreadID string
	AdminKB  bool
}

// Query is a similarity search request.
type Query struct {
	Text string
	K    int

	// TenantID overrides the session's tenant. Empty uses the session.
	TenantID string
	ThreadID string

	IncludeKnowledgeBase bool
}

// Config holds service settings.
type Config struct {
	Dimension int // default: schema.EmbeddingDimension
	DefaultK  int // default: 4
	Chunker   Chunker
}

// Service implements indexing and retrieval.
type Service struct {
	embedder Embedder
	store    ChunkStore
	resolver Resolver
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(embedder Embedder, store ChunkStore, res Resolver, cfg Config, log *logger.Logger) *Service {
	if cfg.Dimension <= 0 {
		cfg.Dimension = schema.EmbeddingDimension
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		embedder: embedder,
		store:    store,
		resolver: res,
		cfg:      cfg,
		log:      log.With("component", "retrieval"),
		now:      time.Now,
	}
}

// Index persists pre-embedded chunks. Chunks with a wrong-sized embedding are
// rejected with ErrDimensionMismatch before anything is written; the rest are
// stored together. Results are in input order.
func (s *Service) Index(ctx context.Context, req resolver.Request, ir IndexRequest) ([]IndexResult, error) {
	if strings.TrimSpace(ir.FileName) == "" {
		return nil, &Error{Op: "index", Err: fmt.Errorf("file name is required")}
	}

	tenantID := tenantOf(req, "")
	now := s.now().UTC()
	results := make([]IndexResult, len(ir.Chunks))
	var batch []types.Chunk
	var batchIdx []int

	for i, in := range ir.Chunks {
		results[i].ChunkIndex = i
		if len(in.Embedding) != s.cfg.Dimension {
			results[i].Err = fmt.Errorf("%w: chunk %d has %d values, want %d",
				ErrDimensionMismatch, i, len(in.Embedding), s.cfg.Dimension)
			continue
		}
		batch = append(batch, types.Chunk{
			ID:         uuid.NewString(),
			FileName:   ir.FileName,
			Content:    in.Content,
			TenantID:   tenantID,
			ThreadID:   ir.ThreadID,
			ChunkIndex: i,
			Embedding:  in.Embedding,
			AdminKB:    ir.AdminKB,
			CreatedAt:  now,
		})
		batchIdx = append(batchIdx, i)
	}

	if rejected := len(ir.Chunks) - len(batch); rejected > 0 {
		s.log.Warn("rejected chunks with wrong embedding dimension",
			"file_name", ir.FileName, "rejected", rejected, "dimension", s.cfg.Dimension)
	}
	if len(batch) == 0 {
		return results, nil
	}

	dsn, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, &Error{Op: "resolve", Err: err}
	}
	if err := s.store.Insert(ctx, dsn, batch); err != nil {
		return nil, &Error{Op: "index", Err: err}
	}

	for j, c := range batch {
		results[batchIdx[j]].ID = c.ID
	}
	s.log.Info("indexed document",
		"file_name", ir.FileName,
		"tenant_id", tenantID,
		"chunks", len(batch))
	return results, nil
}

// Ingest chunks text, embeds all chunks in one call and indexes them.
func (s *Service) Ingest(ctx context.Context, req resolver.Request, in IngestRequest) ([]IndexResult, error) {
	parts := s.cfg.Chunker.Chunk(in.Text)
	if len(parts) == 0 {
		return []IndexResult{}, nil
	}

	vecs, err := s.embedder.EmbedBatch(ctx, parts)
	if err != nil {
		return nil, &Error{Op: "embed", Err: err}
	}
	if len(vecs) != len(parts) {
		return nil, &Error{Op: "embed", Err: fmt.Errorf("got %d embeddings for %d chunks", len(vecs), len(parts))}
	}

	chunks := make([]ChunkInput, len(parts))
	for i := range parts {
		chunks[i] = ChunkInput{Content: parts[i], Embedding: vecs[i]}
	}
	return s.Index(ctx, req, IndexRequest{
		FileName: in.FileName,
		Chunks:   chunks,
		ThreadID: in.ThreadID,
		AdminKB:  in.AdminKB,
	})
}

// SimilaritySearch returns up to K chunks ordered by non-increasing Score.
func (s *Service) SimilaritySearch(ctx context.Context, req resolver.Request, q Query) ([]types.ScoredChunk, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	k := q.K
	if k <= 0 {
		k = s.cfg.DefaultK
	}

	vecs, err := s.embedder.EmbedBatch(ctx, []string{q.Text})
	if err != nil {
		return nil, &Error{Op: "embed", Err: err}
	}
	if len(vecs) != 1 || len(vecs[0]) != s.cfg.Dimension {
		return nil, &Error{Op: "embed", Err: ErrDimensionMismatch}
	}

	dsn, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, &Error{Op: "resolve", Err: err}
	}

	hits, err := s.store.Nearest(ctx, dsn, vecs[0], k, NearestFilter{
		TenantID:             tenantOf(req, q.TenantID),
		ThreadID:             q.ThreadID,
		IncludeKnowledgeBase: q.IncludeKnowledgeBase,
	})
	if err != nil {
		return nil, &Error{Op: "search", Err: err}
	}

	for i := range hits {
		hits[i].Score = Score(hits[i].Distance)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	if hits == nil {
		hits = []types.ScoredChunk{}
	}
	return hits, nil
}

// SimpleSearch returns chunks containing substring, ignoring case. An empty
// filter tenant defaults to the session's tenant.
func (s *Service) SimpleSearch(ctx context.Context, req resolver.Request, substring string, f types.SearchFilter) ([]types.Chunk, error) {
	if strings.TrimSpace(substring) == "" {
		return nil, ErrEmptyQuery
	}
	f.TenantID = tenantOf(req, f.TenantID)

	dsn, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, &Error{Op: "resolve", Err: err}
	}
	chunks, err := s.store.Search(ctx, dsn, substring, f)
	if err != nil {
		return nil, &Error{Op: "search", Err: err}
	}
	return chunks, nil
}

func tenantOf(req resolver.Request, override string) string {
	if override != "" {
		return override
	}
	if req.Session != nil {
		return req.Session.TenantID
	}
	return ""
}
