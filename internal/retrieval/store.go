package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

// NearestFilter scopes a similarity search.
type NearestFilter struct {
	TenantID string
	ThreadID string

	// IncludeKnowledgeBase adds knowledge-base chunks from any tenant.
	IncludeKnowledgeBase bool
}

// ChunkStore persists chunks in the database named by dsn.
type ChunkStore interface {
	Insert(ctx context.Context, dsn string, chunks []types.Chunk) error
	// Nearest returns up to k chunks ordered by ascending L2 distance to vec.
	Nearest(ctx context.Context, dsn string, vec []float32, k int, f NearestFilter) ([]types.ScoredChunk, error)
	// Search returns chunks whose content contains substring, ignoring case.
	Search(ctx context.Context, dsn, substring string, f types.SearchFilter) ([]types.Chunk, error)
}

// PGStore is the pgvector-backed ChunkStore over the documents table.
type PGStore struct {
	pool *storage.Pool
}

// NewPGStore creates a PGStore. The pool must use the Postgres dialect.
func NewPGStore(pool *storage.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const chunkSelectColumns = `
	id, file_name, content, tenant_id, thread_id, chunk_index, is_admin_kb, created_at
`

// Insert writes chunks in one transaction.
func (s *PGStore) Insert(ctx context.Context, dsn string, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	db, err := s.pool.DB(ctx, dsn)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, tenant_id, thread_id, file_name, content, chunk_index, is_admin_kb, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("postgres: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		if c.ID == "" || (c.TenantID == "" && !c.AdminKB) {
			return fmt.Errorf("%w: chunk id and tenant id are required", storage.ErrInvalidInput)
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, c.TenantID, c.ThreadID, c.FileName, c.Content, c.ChunkIndex, c.AdminKB,
			pgvector.NewVector(c.Embedding), c.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit insert: %w", err)
	}
	return nil
}

// Nearest orders by the <-> (L2) operator, served by documents_embedding_idx.
func (s *PGStore) Nearest(ctx context.Context, dsn string, vec []float32, k int, f NearestFilter) ([]types.ScoredChunk, error) {
	db, err := s.pool.DB(ctx, dsn)
	if err != nil {
		return nil, err
	}

	const querySQL = `
		SELECT ` + chunkSelectColumns + `, embedding <-> $1::vector AS distance
		FROM documents
		WHERE (tenant_id = $2 AND ($3 = '' OR thread_id = $3))
		   OR ($4 AND is_admin_kb)
		ORDER BY embedding <-> $1::vector
		LIMIT $5
	`
	rows, err := db.QueryContext(ctx, querySQL, pgvector.NewVector(vec), f.TenantID, f.ThreadID, f.IncludeKnowledgeBase, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ScoredChunk
	for rows.Next() {
		var (
			c        types.Chunk
			distance float64
		)
		if err := scanChunk(rows, &c, &distance); err != nil {
			return nil, fmt.Errorf("postgres: nearest scan: %w", err)
		}
		out = append(out, types.ScoredChunk{Chunk: c, Distance: distance, Score: Score(distance)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: nearest rows: %w", err)
	}
	return out, nil
}

// Search runs an ILIKE match with optional equality filters.
func (s *PGStore) Search(ctx context.Context, dsn, substring string, f types.SearchFilter) ([]types.Chunk, error) {
	db, err := s.pool.DB(ctx, dsn)
	if err != nil {
		return nil, err
	}

	where := []string{`content ILIKE '%' || $1 || '%' ESCAPE '\'`}
	args := []interface{}{escapeLike(substring)}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.ThreadID != "" {
		add("thread_id = $%d", f.ThreadID)
	}
	if f.FileName != "" {
		add("file_name = $%d", f.FileName)
	}
	if f.AdminKB != nil {
		add("is_admin_kb = $%d", *f.AdminKB)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	querySQL := `SELECT ` + chunkSelectColumns + ` FROM documents WHERE ` +
		strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, chunk_index LIMIT $%d`, len(args))

	rows, err := db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []types.Chunk{}
	for rows.Next() {
		var c types.Chunk
		if err := scanChunk(rows, &c, nil); err != nil {
			return nil, fmt.Errorf("postgres: search scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: search rows: %w", err)
	}
	return out, nil
}

func scanChunk(rows *sql.Rows, c *types.Chunk, distance *float64) error {
	var createdAt time.Time
	dest := []interface{}{&c.ID, &c.FileName, &c.Content, &c.TenantID, &c.ThreadID, &c.ChunkIndex, &c.AdminKB, &createdAt}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	c.CreatedAt = createdAt.UTC()
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ ChunkStore = (*PGStore)(nil)
