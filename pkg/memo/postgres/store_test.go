package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/memovox/memovox/pkg/memo"
	"github.com/memovox/memovox/pkg/memo/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if MEMOVOX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEMOVOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMOVOX_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop and recreate the schema.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// mustPool opens a pgxpool with pgvector types registered (needed for the
// HNSW index to not refuse our connection during dropSchema).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS rag_chat_logs CASCADE",
		"DROP TABLE IF EXISTS transcription_chunks CASCADE",
		"DROP TABLE IF EXISTS transcriptions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// saveTestTranscription inserts a transcription and returns its id.
func saveTestTranscription(t *testing.T, ctx context.Context, store *postgres.Store, filePath, text string) int64 {
	t.Helper()
	id, err := store.SaveTranscription(ctx, memo.Transcription{
		FilePath:   filePath,
		Tag:        "meeting",
		RecordedAt: time.Now(),
		Duration:   42.5,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("SaveTranscription: %v", err)
	}
	return id
}

func TestTranscriptionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recorded := time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)
	id, err := store.SaveTranscription(ctx, memo.Transcription{
		FilePath:   "/audio/standup.wav",
		Tag:        "standup",
		RecordedAt: recorded,
		Duration:   123.4,
		Text:       "今日の会議では予算について話し合いました。",
	})
	if err != nil {
		t.Fatalf("SaveTranscription: %v", err)
	}
	if id == 0 {
		t.Fatal("SaveTranscription: want non-zero id")
	}

	got, err := store.GetTranscription(ctx, id)
	if err != nil {
		t.Fatalf("GetTranscription: %v", err)
	}
	if got == nil {
		t.Fatal("GetTranscription: want transcription, got nil")
	}
	if got.FilePath != "/audio/standup.wav" || got.Tag != "standup" {
		t.Errorf("metadata: got %+v", got)
	}
	if !got.RecordedAt.Equal(recorded) {
		t.Errorf("RecordedAt: want %v, got %v", recorded, got.RecordedAt)
	}

	// Missing id returns (nil, nil).
	missing, err := store.GetTranscription(ctx, id+1000)
	if err != nil {
		t.Fatalf("GetTranscription missing: %v", err)
	}
	if missing != nil {
		t.Errorf("GetTranscription missing: want nil, got %+v", missing)
	}
}

func TestReplaceChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := saveTestTranscription(t, ctx, store, "/audio/a.wav", "full text")

	first := []memo.Chunk{
		{Index: 0, Text: "先週の打ち合わせの議事録です。", Embedding: []float32{1, 0, 0, 0}},
		{Index: 1, Text: "来月の予算は据え置きになりました。", Embedding: []float32{0, 1, 0, 0}},
	}
	if err := store.ReplaceChunks(ctx, id, first); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}
	if n, _ := store.CountChunks(ctx, id); n != 2 {
		t.Errorf("CountChunks: want 2, got %d", n)
	}

	// Replace with a different set; the previous chunks must be gone.
	second := []memo.Chunk{
		{Index: 0, Text: "新しいチャンクです。", Embedding: []float32{0, 0, 1, 0}},
	}
	if err := store.ReplaceChunks(ctx, id, second); err != nil {
		t.Fatalf("ReplaceChunks second: %v", err)
	}
	if n, _ := store.CountChunks(ctx, id); n != 1 {
		t.Errorf("CountChunks after replace: want 1, got %d", n)
	}

	// Empty set removes everything.
	if err := store.ReplaceChunks(ctx, id, nil); err != nil {
		t.Fatalf("ReplaceChunks empty: %v", err)
	}
	if n, _ := store.CountChunks(ctx, id); n != 0 {
		t.Errorf("CountChunks after empty replace: want 0, got %d", n)
	}
}

func TestVectorTopK(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := saveTestTranscription(t, ctx, store, "/audio/v.wav", "text")

	chunks := []memo.Chunk{
		{Index: 0, Text: "予算の話。", Embedding: []float32{1, 0, 0, 0}},
		{Index: 1, Text: "スケジュールの話。", Embedding: []float32{0, 1, 0, 0}},
		{Index: 2, Text: "採用の話。", Embedding: []float32{0, 0, 1, 0}},
	}
	if err := store.ReplaceChunks(ctx, id, chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	hits, err := store.TopK(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("TopK: want 2 hits, got %d", len(hits))
	}
	if hits[0].Distance > hits[1].Distance {
		t.Errorf("TopK: not ordered by ascending distance: %v", hits)
	}
	if hits[0].Distance > 1e-6 {
		t.Errorf("TopK: exact match should have ~0 distance, got %f", hits[0].Distance)
	}

	// Empty index returns an empty slice, not an error.
	if err := store.ReplaceChunks(ctx, id, nil); err != nil {
		t.Fatalf("ReplaceChunks empty: %v", err)
	}
	empty, err := store.TopK(ctx, []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("TopK empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("TopK empty: want 0 hits, got %d", len(empty))
	}
}

func TestLexicalTopK(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := saveTestTranscription(t, ctx, store, "/audio/l.wav", "text")

	chunks := []memo.Chunk{
		{Index: 0, Text: "the quarterly budget review happened on monday", Embedding: []float32{1, 0, 0, 0}},
		{Index: 1, Text: "hiring plans were discussed at length", Embedding: []float32{0, 1, 0, 0}},
	}
	if err := store.ReplaceChunks(ctx, id, chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	hits, err := store.TopKLexical(ctx, "budget review", 10)
	if err != nil {
		t.Fatalf("TopKLexical: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("TopKLexical: want 1 hit, got %d", len(hits))
	}
	// Raw scores must normalise into (0, 1] via 1/(1+raw).
	norm := 1 / (1 + hits[0].Score)
	if norm <= 0 || norm > 1 {
		t.Errorf("TopKLexical: normalised score out of range: raw=%f norm=%f", hits[0].Score, norm)
	}

	none, err := store.TopKLexical(ctx, "zzz-no-such-term", 10)
	if err != nil {
		t.Fatalf("TopKLexical no match: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("TopKLexical no match: want 0, got %d", len(none))
	}
}

func TestLexicalFallbackOnCollectError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := saveTestTranscription(t, ctx, store, "/audio/m.wav", "text")

	// Plant a chunk whose text exceeds the 1 MiB tsvector limit. The GIN
	// expression index must go first or the insert itself would trip the
	// limit. With the index gone, to_tsvector fails at query execution
	// time, which pgx surfaces during row collection rather than from
	// Query, and the search must still degrade to substring matching.
	pool := mustPool(t, ctx, testDSN(t))
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP INDEX IF EXISTS idx_transcription_chunks_fts"); err != nil {
		t.Fatalf("drop fts index: %v", err)
	}
	oversized := strings.Repeat("budget planning notes ", 50000)
	if err := store.ReplaceChunks(ctx, id, []memo.Chunk{
		{Index: 0, Text: oversized, Embedding: []float32{1, 0, 0, 0}},
	}); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	hits, err := store.TopKLexical(ctx, "budget", 10)
	if err != nil {
		t.Fatalf("TopKLexical fallback: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("TopKLexical fallback: want 1 hit, got %d", len(hits))
	}
	if hits[0].Score != 1.0 {
		t.Errorf("TopKLexical fallback: want fixed raw score 1.0, got %f", hits[0].Score)
	}
}

func TestResolveCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := saveTestTranscription(t, ctx, store, "/audio/r.wav", "text")

	chunks := []memo.Chunk{
		{Index: 0, Text: "第一チャンク。", Embedding: []float32{1, 0, 0, 0}},
		{Index: 1, Text: "第二チャンク。", Embedding: []float32{0, 1, 0, 0}},
	}
	if err := store.ReplaceChunks(ctx, id, chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}
	hits, err := store.TopK(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ChunkID)
	}
	ids = append(ids, 999999) // unknown id is silently absent

	resolved, err := store.ResolveCandidates(ctx, ids)
	if err != nil {
		t.Fatalf("ResolveCandidates: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("ResolveCandidates: want 2, got %d", len(resolved))
	}
	for _, c := range resolved {
		if c.TranscriptionID != id {
			t.Errorf("TranscriptionID: want %d, got %d", id, c.TranscriptionID)
		}
		if c.FilePath != "/audio/r.wav" || c.Tag != "meeting" {
			t.Errorf("metadata join: got %+v", c)
		}
		if c.Score != 0 || c.ScoreVector != 0 || c.ScoreFTS != 0 {
			t.Errorf("scores must be zero on resolve: %+v", c)
		}
	}

	empty, err := store.ResolveCandidates(ctx, nil)
	if err != nil {
		t.Fatalf("ResolveCandidates empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ResolveCandidates empty: want 0, got %d", len(empty))
	}
}

func TestChatLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turns := []memo.TurnLog{
		{
			SessionID:  "s1",
			Question:   "先週の会議の内容は？",
			Answer:     "予算についての議論でした。",
			UsedHybrid: true,
			Alpha:      0.6,
			Contexts: []memo.Candidate{
				{ChunkID: 1, TranscriptionID: 1, ChunkText: "予算の話。", Score: 0.9},
			},
			DateFilterMatched: true,
		},
		{
			SessionID:         "s1",
			Question:          "それはいつの会議？",
			Answer:            "6月10日の定例会議です。",
			UsedHybrid:        true,
			Alpha:             0.6,
			DateFilterMatched: true,
		},
		{
			SessionID:         "s2",
			Question:          "採用の進捗は？",
			Answer:            "該当する録音データが見つかりませんでした。",
			UsedHybrid:        false,
			Alpha:             0.6,
			DateFilterMatched: false,
		},
	}
	for i, turn := range turns {
		if err := store.RecordTurn(ctx, turn); err != nil {
			t.Fatalf("RecordTurn[%d]: %v", i, err)
		}
	}

	history, err := store.LoadHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("LoadHistory: want 2, got %d", len(history))
	}
	if history[0].Question != turns[0].Question {
		t.Errorf("chronological order: want first %q, got %q", turns[0].Question, history[0].Question)
	}
	if len(history[0].Contexts) != 1 || history[0].Contexts[0].ChunkText != "予算の話。" {
		t.Errorf("contexts round-trip: got %+v", history[0].Contexts)
	}
	if !history[0].UsedHybrid || history[0].Alpha != 0.6 {
		t.Errorf("turn metadata round-trip: got %+v", history[0])
	}

	// Unknown session is empty, not an error.
	none, err := store.LoadHistory(ctx, "unknown")
	if err != nil {
		t.Fatalf("LoadHistory unknown: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("LoadHistory unknown: want 0, got %d", len(none))
	}

	// All sessions, newest activity first.
	sessions, err := store.ListSessions(ctx, "", memo.HybridAny, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("ListSessions: want 2, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.SessionID == "s1" {
			if s.FirstQuestion != turns[0].Question {
				t.Errorf("FirstQuestion: want %q, got %q", turns[0].Question, s.FirstQuestion)
			}
			if s.Turns != 2 {
				t.Errorf("Turns: want 2, got %d", s.Turns)
			}
			if s.HybridTurns != 2 {
				t.Errorf("HybridTurns: want 2, got %d", s.HybridTurns)
			}
		}
	}

	// Keyword filter matches against questions and answers.
	filtered, err := store.ListSessions(ctx, "採用", memo.HybridAny, 0)
	if err != nil {
		t.Fatalf("ListSessions keyword: %v", err)
	}
	if len(filtered) != 1 || filtered[0].SessionID != "s2" {
		t.Errorf("ListSessions keyword: want [s2], got %+v", filtered)
	}

	// The retrieval-mode filter keeps a session when at least one turn
	// matches, mirroring the keyword filter. s1 is all-hybrid, s2 is
	// vector-only.
	hybridOnly, err := store.ListSessions(ctx, "", memo.HybridOnly, 0)
	if err != nil {
		t.Fatalf("ListSessions hybrid: %v", err)
	}
	if len(hybridOnly) != 1 || hybridOnly[0].SessionID != "s1" {
		t.Errorf("ListSessions hybrid: want [s1], got %+v", hybridOnly)
	}

	vectorOnly, err := store.ListSessions(ctx, "", memo.VectorOnly, 0)
	if err != nil {
		t.Fatalf("ListSessions vector: %v", err)
	}
	if len(vectorOnly) != 1 || vectorOnly[0].SessionID != "s2" {
		t.Errorf("ListSessions vector: want [s2], got %+v", vectorOnly)
	}

	// Limit caps the result.
	limited, err := store.ListSessions(ctx, "", memo.HybridAny, 1)
	if err != nil {
		t.Fatalf("ListSessions limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("ListSessions limit: want 1, got %d", len(limited))
	}
}
