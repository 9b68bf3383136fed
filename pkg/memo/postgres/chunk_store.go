package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/memovox/memovox/pkg/memo"
)

// ReplaceChunks implements [memo.ChunkStore]. The delete of the previous
// chunk set and the inserts of the new one run in a single transaction; a
// mid-step failure rolls back and leaves the previous chunk set untouched.
func (s *Store) ReplaceChunks(ctx context.Context, transcriptionID int64, chunks []memo.Chunk) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM transcription_chunks WHERE transcription_id = $1`,
			transcriptionID,
		); err != nil {
			return fmt.Errorf("delete previous chunks: %w", err)
		}

		const ins = `
			INSERT INTO transcription_chunks (transcription_id, chunk_index, chunk_text, embedding)
			VALUES ($1, $2, $3, $4)`

		for _, c := range chunks {
			vec := pgvector.NewVector(c.Embedding)
			if _, err := tx.Exec(ctx, ins, transcriptionID, c.Index, c.Text, vec); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: replace chunks: %w", err)
	}
	return nil
}

// CountChunks implements [memo.ChunkStore].
func (s *Store) CountChunks(ctx context.Context, transcriptionID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM transcription_chunks WHERE transcription_id = $1`,
		transcriptionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres store: count chunks: %w", err)
	}
	return n, nil
}

// TopK implements [memo.VectorIndex]. It returns the k chunks nearest to
// embedding by cosine distance using the HNSW index, ordered most similar
// first.
func (s *Store) TopK(ctx context.Context, embedding []float32, k int) ([]memo.VectorHit, error) {
	const q = `
		SELECT id, embedding <=> $1 AS distance
		FROM   transcription_chunks
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: vector search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memo.VectorHit, error) {
		var h memo.VectorHit
		if err := row.Scan(&h.ChunkID, &h.Distance); err != nil {
			return memo.VectorHit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: vector search: scan rows: %w", err)
	}
	if hits == nil {
		hits = []memo.VectorHit{}
	}
	return hits, nil
}

// TopKLexical implements [memo.LexicalIndex]. It runs a full-text query with
// the simple dictionary and ranks matches with ts_rank_cd. The rank r, which
// lands in (0, 1] for typical documents, is reported as raw = (1-r)/r so that
// the blender's 1/(1+raw) normalisation recovers exactly r.
//
// When the full-text search fails, at query time or while collecting rows,
// the search degrades to ILIKE substring matching with a fixed raw score
// of 1.0.
func (s *Store) TopKLexical(ctx context.Context, query string, k int) ([]memo.LexicalHit, error) {
	const q = `
		SELECT id, ts_rank_cd(to_tsvector('simple', chunk_text), plainto_tsquery('simple', $1)) AS rank
		FROM   transcription_chunks
		WHERE  to_tsvector('simple', chunk_text) @@ plainto_tsquery('simple', $1)
		ORDER  BY rank DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, k)
	if err != nil {
		slog.Warn("postgres store: full-text search failed, falling back to substring match", "error", err)
		return s.lexicalFallback(ctx, query, k)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memo.LexicalHit, error) {
		var (
			h    memo.LexicalHit
			rank float64
		)
		if err := row.Scan(&h.ChunkID, &rank); err != nil {
			return memo.LexicalHit{}, err
		}
		// Clamp into (0, 1] before inverting; zero ranks would otherwise
		// divide by zero and ranks above 1 would exceed the score contract.
		if rank > 1 {
			rank = 1
		}
		if rank < 1e-9 {
			rank = 1e-9
		}
		h.Score = (1 - rank) / rank
		return h, nil
	})
	if err != nil {
		slog.Warn("postgres store: full-text row collection failed, falling back to substring match", "error", err)
		return s.lexicalFallback(ctx, query, k)
	}
	if hits == nil {
		hits = []memo.LexicalHit{}
	}
	return hits, nil
}

// lexicalFallback is the degraded lexical leg: case-insensitive substring
// matching with a fixed raw score of 1.0 per match.
func (s *Store) lexicalFallback(ctx context.Context, query string, k int) ([]memo.LexicalHit, error) {
	const q = `
		SELECT id
		FROM   transcription_chunks
		WHERE  chunk_text ILIKE '%' || $1 || '%'
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: lexical fallback: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memo.LexicalHit, error) {
		h := memo.LexicalHit{Score: 1.0}
		if err := row.Scan(&h.ChunkID); err != nil {
			return memo.LexicalHit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: lexical fallback: scan rows: %w", err)
	}
	if hits == nil {
		hits = []memo.LexicalHit{}
	}
	return hits, nil
}

// ResolveCandidates implements [memo.CandidateResolver]. It joins the
// requested chunk ids with their parent transcription metadata. Ids with no
// backing chunk are absent from the result.
func (s *Store) ResolveCandidates(ctx context.Context, chunkIDs []int64) (map[int64]memo.Candidate, error) {
	if len(chunkIDs) == 0 {
		return map[int64]memo.Candidate{}, nil
	}

	const q = `
		SELECT c.id, c.transcription_id, c.chunk_index, c.chunk_text,
		       t.file_path, t.tag, t.recorded_at, t.duration
		FROM   transcription_chunks AS c
		JOIN   transcriptions AS t ON t.id = c.transcription_id
		WHERE  c.id = ANY($1)`

	rows, err := s.pool.Query(ctx, q, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres store: resolve candidates: %w", err)
	}

	out := make(map[int64]memo.Candidate, len(chunkIDs))
	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memo.Candidate, error) {
		var c memo.Candidate
		if err := row.Scan(
			&c.ChunkID, &c.TranscriptionID, &c.ChunkIndex, &c.ChunkText,
			&c.FilePath, &c.Tag, &c.RecordedAt, &c.Duration,
		); err != nil {
			return memo.Candidate{}, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: resolve candidates: scan rows: %w", err)
	}
	for _, c := range candidates {
		out[c.ChunkID] = c
	}
	return out, nil
}
