package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/memovox/memovox/pkg/memo"
)

// Compile-time interface check.
var _ memo.Store = (*Store)(nil)

// Store is the PostgreSQL-backed memovox store. It holds a single
// [pgxpool.Pool] and implements the complete [memo.Store] surface:
// transcription records, transactional chunk replacement, the vector and
// lexical retrieval legs, candidate resolution, and the chat turn log.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memo.Chunk.Embedding] values (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveTranscription implements [memo.TranscriptStore].
func (s *Store) SaveTranscription(ctx context.Context, t memo.Transcription) (int64, error) {
	const q = `
		INSERT INTO transcriptions (file_path, tag, recorded_at, duration, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q, t.FilePath, t.Tag, t.RecordedAt, t.Duration, t.Text).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres store: save transcription: %w", err)
	}
	return id, nil
}

// GetTranscription implements [memo.TranscriptStore]. It returns (nil, nil)
// when no transcription with the given id exists.
func (s *Store) GetTranscription(ctx context.Context, id int64) (*memo.Transcription, error) {
	const q = `
		SELECT id, file_path, tag, recorded_at, duration, text
		FROM   transcriptions
		WHERE  id = $1`

	var t memo.Transcription
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.FilePath, &t.Tag, &t.RecordedAt, &t.Duration, &t.Text,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get transcription: %w", err)
	}
	return &t, nil
}
