// Package knowledge stores embedded corpus chunks in pgvector and serves
// bounded, scored retrieval over them.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/raphaelgruber/kbchat/internal/models"
)

// ScoredChunk is a chunk with its cosine similarity to a query vector.
type ScoredChunk struct {
	models.Chunk
	Score float32
}

// ChunkStore manages corpus chunks in PostgreSQL with pgvector similarity
// search. Safe for concurrent use.
type ChunkStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewChunkStore creates a ChunkStore on an existing pool. The pool must have
// pgvector types registered (see store.Connect).
func NewChunkStore(pool *pgxpool.Pool, logger *slog.Logger) *ChunkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkStore{pool: pool, logger: logger}
}

// Upsert writes chunks with their embeddings, replacing rows with matching
// IDs. chunks and embeddings must be the same length.
func (s *ChunkStore) Upsert(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	for i, chunk := range chunks {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO chunks (id, source, title, url, kind, mime_type, content, embedding, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			 ON CONFLICT (id) DO UPDATE SET
			     source = EXCLUDED.source, title = EXCLUDED.title, url = EXCLUDED.url,
			     kind = EXCLUDED.kind, mime_type = EXCLUDED.mime_type,
			     content = EXCLUDED.content, embedding = EXCLUDED.embedding,
			     updated_at = now()`,
			chunk.ID, chunk.Source, chunk.Title, chunk.URL, chunk.Kind, chunk.MimeType,
			chunk.Content, pgvector.NewVector(embeddings[i]))
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
		}
	}

	s.logger.Debug("upserted chunks", "count", len(chunks))
	return nil
}

// Search returns the limit nearest chunks by cosine similarity, best first.
// Scores are in [0, 1], higher is more similar.
func (s *ChunkStore) Search(ctx context.Context, embedding []float32, limit int) ([]ScoredChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, title, url, kind, mime_type, content,
		        1 - (embedding <=> $1) AS score
		 FROM chunks
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	chunks := []ScoredChunk{}
	for rows.Next() {
		var c ScoredChunk
		if err := rows.Scan(&c.ID, &c.Source, &c.Title, &c.URL, &c.Kind, &c.MimeType,
			&c.Content, &c.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	return chunks, nil
}

// Count returns the total number of stored chunks.
func (s *ChunkStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// DeleteBySource removes all chunks ingested from a given source path.
// The indexer uses this before re-ingesting a changed file.
func (s *ChunkStore) DeleteBySource(ctx context.Context, source string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE source = $1`, source); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", source, err)
	}
	return nil
}
