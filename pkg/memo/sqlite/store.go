// Package sqlite provides the SQLite-backed implementation of the memovox
// store, built on modernc.org/sqlite (pure Go, no cgo).
//
// Embeddings are stored as little-endian float32 blobs and searched with a
// brute-force cosine scan, which is adequate for the personal-corpus scale
// this backend targets. The lexical leg is an FTS5 shadow table kept in sync
// with the chunk table by triggers, ranked with bm25.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/memovox/memovox/pkg/memo"
)

// Compile-time interface check.
var _ memo.Store = (*Store)(nil)

// timeFormat is how timestamps are stored (TEXT, UTC, sortable).
const timeFormat = time.RFC3339Nano

// Store is the SQLite-backed memovox store. All operations are safe for
// concurrent use; writes are serialised by SQLite itself (WAL mode with a
// busy timeout).
type Store struct {
	db   *sql.DB
	dims int
}

// NewStore opens (or creates) the SQLite database at path and ensures the
// schema exists. embeddingDimensions must match the output dimension of the
// configured embedding model; stored vectors of any other length are ignored
// by the vector search.
func NewStore(ctx context.Context, path string, embeddingDimensions int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: enable foreign keys: %w", err)
	}

	s := &Store{db: db, dims: embeddingDimensions}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return s, nil
}

// migrate creates all tables, the FTS5 shadow index, and its sync triggers.
// Idempotent; safe to call on every start.
func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transcriptions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			file_path    TEXT NOT NULL,
			tag          TEXT NOT NULL DEFAULT '',
			recorded_at  TEXT NOT NULL,
			duration     REAL NOT NULL DEFAULT 0,
			text         TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcription_chunks (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			transcription_id  INTEGER NOT NULL REFERENCES transcriptions (id) ON DELETE CASCADE,
			chunk_index       INTEGER NOT NULL,
			chunk_text        TEXT NOT NULL,
			embedding         BLOB,
			created_at        TEXT NOT NULL,
			UNIQUE (transcription_id, chunk_index)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS transcription_chunks_fts USING fts5(
			chunk_text,
			content='transcription_chunks',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS transcription_chunks_ai
		 AFTER INSERT ON transcription_chunks BEGIN
			INSERT INTO transcription_chunks_fts (rowid, chunk_text)
			VALUES (new.id, new.chunk_text);
		 END`,
		`CREATE TRIGGER IF NOT EXISTS transcription_chunks_ad
		 AFTER DELETE ON transcription_chunks BEGIN
			INSERT INTO transcription_chunks_fts (transcription_chunks_fts, rowid, chunk_text)
			VALUES ('delete', old.id, old.chunk_text);
		 END`,
		`CREATE TRIGGER IF NOT EXISTS transcription_chunks_au
		 AFTER UPDATE ON transcription_chunks BEGIN
			INSERT INTO transcription_chunks_fts (transcription_chunks_fts, rowid, chunk_text)
			VALUES ('delete', old.id, old.chunk_text);
			INSERT INTO transcription_chunks_fts (rowid, chunk_text)
			VALUES (new.id, new.chunk_text);
		 END`,
		`CREATE TABLE IF NOT EXISTS rag_chat_logs (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id           TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			question             TEXT NOT NULL,
			answer               TEXT NOT NULL,
			contexts             TEXT NOT NULL DEFAULT '[]',
			used_hybrid          INTEGER NOT NULL DEFAULT 1,
			alpha                REAL NOT NULL DEFAULT 0,
			date_filter_matched  INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_chat_logs_session_created
			ON rag_chat_logs (session_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTranscription implements [memo.TranscriptStore].
func (s *Store) SaveTranscription(ctx context.Context, t memo.Transcription) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions (file_path, tag, recorded_at, duration, text)
		 VALUES (?, ?, ?, ?, ?)`,
		t.FilePath, t.Tag, t.RecordedAt.UTC().Format(timeFormat), t.Duration, t.Text,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: save transcription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite store: save transcription: last insert id: %w", err)
	}
	return id, nil
}

// GetTranscription implements [memo.TranscriptStore]. It returns (nil, nil)
// when no transcription with the given id exists.
func (s *Store) GetTranscription(ctx context.Context, id int64) (*memo.Transcription, error) {
	var (
		t          memo.Transcription
		recordedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_path, tag, recorded_at, duration, text FROM transcriptions WHERE id = ?`,
		id,
	).Scan(&t.ID, &t.FilePath, &t.Tag, &recordedAt, &t.Duration, &t.Text)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get transcription: %w", err)
	}
	t.RecordedAt, err = time.Parse(timeFormat, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get transcription: parse recorded_at: %w", err)
	}
	return &t, nil
}

// float32SliceToBytes converts a []float32 to a little-endian byte slice for
// blob storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a stored blob back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
