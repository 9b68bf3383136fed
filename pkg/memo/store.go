// Package memo defines the storage contracts for the memovox retrieval core.
//
// The store is organised as a set of narrow capability interfaces:
//
//   - [TranscriptStore]: durable transcription records (the ingestion target).
//   - [ChunkStore]: transactional replace of a transcription's chunk set.
//   - [VectorIndex]: cosine top-k over chunk embeddings.
//   - [LexicalIndex]: full-text top-k over chunk text, with a substring
//     fallback that never fails even when the lexical engine is absent.
//   - [CandidateResolver]: re-join of chunk ids with transcription metadata.
//   - [ChatLogStore]: write-once question/answer turn log.
//
// All interfaces are public so that external packages can supply alternative
// backends (Postgres/pgvector, SQLite/FTS5, in-memory fakes, …) without
// depending on memovox internals. [Store] is the union implemented by the
// concrete backends.
//
// Every implementation must be safe for concurrent use.
package memo

import (
	"context"
	"time"
)

// TranscriptStore persists transcription records. The retrieval core never
// mutates a transcription; it is created once by the ingestion pipeline and
// deleted (with cascading chunk deletes) by the owner.
type TranscriptStore interface {
	// SaveTranscription inserts t and returns the assigned identifier.
	// t.ID is ignored on input.
	SaveTranscription(ctx context.Context, t Transcription) (int64, error)

	// GetTranscription retrieves a transcription by id.
	// Returns (nil, nil) when it does not exist.
	GetTranscription(ctx context.Context, id int64) (*Transcription, error)
}

// ChunkStore replaces the chunk set of a transcription.
//
// ReplaceChunks is the only mutation of the chunk table and its lexical
// shadow index. Callers must serialise concurrent calls for the same
// transcription id; calls for different transcriptions are independent.
type ChunkStore interface {
	// ReplaceChunks atomically deletes all existing chunks for
	// transcriptionID and inserts chunks in ordinal order. The delete and
	// inserts run in a single transaction: a mid-step failure leaves the
	// previous chunk set untouched. Passing an empty slice removes all
	// chunks for the transcription.
	ReplaceChunks(ctx context.Context, transcriptionID int64, chunks []Chunk) error

	// CountChunks returns the number of stored chunks for transcriptionID.
	CountChunks(ctx context.Context, transcriptionID int64) (int, error)
}

// VectorIndex is the vector retrieval leg.
type VectorIndex interface {
	// TopK returns the k chunks nearest to embedding by cosine distance,
	// ordered by ascending distance. Returns an empty (non-nil) slice when
	// the index holds no chunks.
	TopK(ctx context.Context, embedding []float32, k int) ([]VectorHit, error)
}

// LexicalIndex is the lexical retrieval leg.
type LexicalIndex interface {
	// TopKLexical returns the k chunks most relevant to query by the
	// backend's full-text ranking, ordered best first. When the full-text
	// engine is unavailable or mis-provisioned the implementation must
	// degrade to substring matching with a fixed raw score of 1.0 rather
	// than returning an error. Returns an empty (non-nil) slice when
	// nothing matches.
	TopKLexical(ctx context.Context, query string, k int) ([]LexicalHit, error)
}

// CandidateResolver joins chunk ids back to their text and parent
// transcription metadata.
type CandidateResolver interface {
	// ResolveCandidates returns a candidate per requested chunk id, keyed by
	// chunk id, with all score fields zero. Ids with no backing chunk are
	// silently absent from the result.
	ResolveCandidates(ctx context.Context, chunkIDs []int64) (map[int64]Candidate, error)
}

// ChatLogStore persists the write-once question/answer turn log.
// HybridFilter restricts a session listing by how its turns were retrieved.
type HybridFilter int

const (
	// HybridAny keeps every session regardless of retrieval mode.
	HybridAny HybridFilter = iota

	// HybridOnly keeps sessions with at least one hybrid-retrieved turn.
	HybridOnly

	// VectorOnly keeps sessions with at least one vector-only turn.
	VectorOnly
)

type ChatLogStore interface {
	// RecordTurn appends one immutable turn. turn.ID and turn.CreatedAt are
	// assigned by the store.
	RecordTurn(ctx context.Context, turn TurnLog) error

	// LoadHistory returns all turns for sessionID in chronological order.
	// Returns an empty (non-nil) slice for an unknown session.
	LoadHistory(ctx context.Context, sessionID string) ([]TurnLog, error)

	// ListSessions returns summaries of recent sessions ordered by last
	// activity, newest first. A non-empty keyword restricts the result to
	// sessions with at least one turn whose question or answer contains it.
	// hybrid restricts the result by retrieval mode with the same
	// at-least-one-turn semantics as the keyword filter. limit caps the
	// number of sessions returned; 0 means a store default.
	ListSessions(ctx context.Context, keyword string, hybrid HybridFilter, limit int) ([]SessionSummary, error)
}

// Store is the full storage surface required by the retrieval engine.
type Store interface {
	TranscriptStore
	ChunkStore
	VectorIndex
	LexicalIndex
	CandidateResolver
	ChatLogStore

	// Close releases all resources held by the store.
	Close() error
}

// DateOf truncates t to its calendar date in t's location. Date-range
// filtering compares dates only, never time of day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
