package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/memovox/memovox/pkg/memo"
)

// ReplaceChunks implements [memo.ChunkStore]. The delete of the previous
// chunk set and the inserts of the new one run in a single transaction; the
// FTS5 shadow table follows via triggers.
func (s *Store) ReplaceChunks(ctx context.Context, transcriptionID int64, chunks []memo.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: replace chunks: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transcription_chunks WHERE transcription_id = ?`,
		transcriptionID,
	); err != nil {
		return fmt.Errorf("sqlite store: replace chunks: delete previous: %w", err)
	}

	const ins = `
		INSERT INTO transcription_chunks (transcription_id, chunk_index, chunk_text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)`

	now := time.Now().UTC().Format(timeFormat)
	for _, c := range chunks {
		blob := float32SliceToBytes(c.Embedding)
		if _, err := tx.ExecContext(ctx, ins, transcriptionID, c.Index, c.Text, blob, now); err != nil {
			return fmt.Errorf("sqlite store: replace chunks: insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: replace chunks: commit: %w", err)
	}
	return nil
}

// CountChunks implements [memo.ChunkStore].
func (s *Store) CountChunks(ctx context.Context, transcriptionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transcription_chunks WHERE transcription_id = ?`,
		transcriptionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: count chunks: %w", err)
	}
	return n, nil
}

// TopK implements [memo.VectorIndex] with a brute-force cosine scan over all
// stored embeddings. Rows whose blob length does not match the configured
// embedding dimension are skipped. Ties break on ascending chunk id.
func (s *Store) TopK(ctx context.Context, embedding []float32, k int) ([]memo.VectorHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM transcription_chunks WHERE embedding IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: vector search: %w", err)
	}
	defer rows.Close()

	hits := []memo.VectorHit{}
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("sqlite store: vector search: scan: %w", err)
		}
		vec := bytesToFloat32Slice(blob)
		if len(vec) != s.dims || len(vec) != len(embedding) {
			continue
		}
		hits = append(hits, memo.VectorHit{ChunkID: id, Distance: cosineDistance(embedding, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: vector search: rows: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// cosineDistance returns 1 - cos(a, b). Zero-norm vectors are maximally
// distant.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// TopKLexical implements [memo.LexicalIndex] over the FTS5 shadow table,
// ranked with bm25 (lower is better, reported raw). Queries that FTS5 cannot
// parse degrade to LIKE substring matching with a fixed raw score of 1.0.
func (s *Store) TopKLexical(ctx context.Context, query string, k int) ([]memo.LexicalHit, error) {
	const q = `
		SELECT rowid, bm25(transcription_chunks_fts) AS rank
		FROM   transcription_chunks_fts
		WHERE  transcription_chunks_fts MATCH ?
		ORDER  BY rank
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, query, k)
	if err != nil {
		slog.Debug("sqlite store: fts5 query failed, falling back to substring match", "error", err)
		return s.lexicalFallback(ctx, query, k)
	}
	defer rows.Close()

	hits := []memo.LexicalHit{}
	for rows.Next() {
		var h memo.LexicalHit
		if err := rows.Scan(&h.ChunkID, &h.Score); err != nil {
			return nil, fmt.Errorf("sqlite store: lexical search: scan: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		slog.Debug("sqlite store: fts5 iteration failed, falling back to substring match", "error", err)
		return s.lexicalFallback(ctx, query, k)
	}
	return hits, nil
}

// lexicalFallback is the degraded lexical leg: substring matching with a
// fixed raw score of 1.0 per match.
func (s *Store) lexicalFallback(ctx context.Context, query string, k int) ([]memo.LexicalHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM transcription_chunks WHERE chunk_text LIKE ? LIMIT ?`,
		"%"+query+"%", k,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: lexical fallback: %w", err)
	}
	defer rows.Close()

	hits := []memo.LexicalHit{}
	for rows.Next() {
		h := memo.LexicalHit{Score: 1.0}
		if err := rows.Scan(&h.ChunkID); err != nil {
			return nil, fmt.Errorf("sqlite store: lexical fallback: scan: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: lexical fallback: rows: %w", err)
	}
	return hits, nil
}

// ResolveCandidates implements [memo.CandidateResolver].
func (s *Store) ResolveCandidates(ctx context.Context, chunkIDs []int64) (map[int64]memo.Candidate, error) {
	out := make(map[int64]memo.Candidate, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	q := `
		SELECT c.id, c.transcription_id, c.chunk_index, c.chunk_text,
		       t.file_path, t.tag, t.recorded_at, t.duration
		FROM   transcription_chunks AS c
		JOIN   transcriptions AS t ON t.id = c.transcription_id
		WHERE  c.id IN (` + strings.Join(placeholders, ", ") + `)`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: resolve candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c          memo.Candidate
			recordedAt string
		)
		if err := rows.Scan(
			&c.ChunkID, &c.TranscriptionID, &c.ChunkIndex, &c.ChunkText,
			&c.FilePath, &c.Tag, &recordedAt, &c.Duration,
		); err != nil {
			return nil, fmt.Errorf("sqlite store: resolve candidates: scan: %w", err)
		}
		c.RecordedAt, err = time.Parse(timeFormat, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: resolve candidates: parse recorded_at: %w", err)
		}
		out[c.ChunkID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: resolve candidates: rows: %w", err)
	}
	return out, nil
}
