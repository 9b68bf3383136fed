// Package postgres provides the PostgreSQL/pgvector-backed implementation of
// the memovox store: transcription records, the chunk table with its vector
// and full-text indexes, and the chat turn log.
//
// All surfaces share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.SaveTranscription(ctx, t)
//	_ = store.ReplaceChunks(ctx, id, chunks)
//	hits, _ := store.TopK(ctx, queryVec, 100)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptions = `
CREATE TABLE IF NOT EXISTS transcriptions (
    id           BIGSERIAL         PRIMARY KEY,
    file_path    TEXT              NOT NULL,
    tag          TEXT              NOT NULL DEFAULT '',
    recorded_at  TIMESTAMPTZ       NOT NULL,
    duration     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    text         TEXT              NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcriptions_recorded_at
    ON transcriptions (recorded_at);
`

const ddlChatLogs = `
CREATE TABLE IF NOT EXISTS rag_chat_logs (
    id                   BIGSERIAL         PRIMARY KEY,
    session_id           TEXT              NOT NULL,
    created_at           TIMESTAMPTZ       NOT NULL DEFAULT now(),
    question             TEXT              NOT NULL,
    answer               TEXT              NOT NULL,
    contexts             JSONB             NOT NULL DEFAULT '[]',
    used_hybrid          BOOLEAN           NOT NULL DEFAULT TRUE,
    alpha                DOUBLE PRECISION  NOT NULL DEFAULT 0,
    date_filter_matched  BOOLEAN           NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_rag_chat_logs_session_created
    ON rag_chat_logs (session_id, created_at);
`

// ddlChunks returns the chunk-table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
//
// The GIN index over to_tsvector('simple', …) backs the lexical retrieval
// leg; the HNSW index backs cosine top-k.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcription_chunks (
    id                BIGSERIAL    PRIMARY KEY,
    transcription_id  BIGINT       NOT NULL REFERENCES transcriptions (id) ON DELETE CASCADE,
    chunk_index       INTEGER      NOT NULL,
    chunk_text        TEXT         NOT NULL,
    embedding         vector(%d),
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (transcription_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_transcription_chunks_embedding
    ON transcription_chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_transcription_chunks_fts
    ON transcription_chunks USING GIN (to_tsvector('simple', chunk_text));
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTranscriptions,
		ddlChunks(embeddingDimensions),
		ddlChatLogs,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
