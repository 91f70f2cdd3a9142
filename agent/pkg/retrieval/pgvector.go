// Package retrieval provides Retriever implementations over the documents
// table: vector similarity when an embedder is available, Postgres full-text
// search otherwise.
package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PgVectorRetriever searches document chunks by cosine similarity over a
// pgvector column.
type PgVectorRetriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewPgVectorRetriever creates a retriever on the given pool and embedder.
func NewPgVectorRetriever(pool *pgxpool.Pool, embedder Embedder) (*PgVectorRetriever, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &PgVectorRetriever{pool: pool, embedder: embedder}, nil
}

func (r *PgVectorRetriever) Search(ctx context.Context, query string, k int) ([]workflow.Chunk, error) {
	if k <= 0 {
		k = 4
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// pass the vector as text and cast, so no pgx type registration is
	// needed on the pool
	rows, err := r.pool.Query(ctx, `
		SELECT content, source, 1 - (embedding <=> $1::vector) AS score
		FROM documents
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, pgvector.NewVector(vec).String(), k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// TextSearchRetriever searches document chunks with Postgres full-text
// search. Used when no embedding service is configured.
type TextSearchRetriever struct {
	pool *pgxpool.Pool
}

// NewTextSearchRetriever creates a full-text retriever on the given pool.
func NewTextSearchRetriever(pool *pgxpool.Pool) (*TextSearchRetriever, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &TextSearchRetriever{pool: pool}, nil
}

func (r *TextSearchRetriever) Search(ctx context.Context, query string, k int) ([]workflow.Chunk, error) {
	if k <= 0 {
		k = 4
	}
	rows, err := r.pool.Query(ctx, `
		SELECT content, source,
		       ts_rank(to_tsvector('simple', content), websearch_to_tsquery('simple', $1)) AS score
		FROM documents
		WHERE to_tsvector('simple', content) @@ websearch_to_tsquery('simple', $1)
		ORDER BY score DESC
		LIMIT $2
	`, query, k)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

type chunkRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanChunks(rows chunkRows) ([]workflow.Chunk, error) {
	var chunks []workflow.Chunk
	for rows.Next() {
		var c workflow.Chunk
		if err := rows.Scan(&c.Text, &c.Source, &c.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return chunks, nil
}
