package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memovox/memovox/pkg/memo"
	embedmock "github.com/memovox/memovox/pkg/provider/embeddings/mock"
)

// fakeVectorIndex is a scripted memo.VectorIndex.
type fakeVectorIndex struct {
	hits []memo.VectorHit
	err  error
	gotK int
}

func (f *fakeVectorIndex) TopK(ctx context.Context, embedding []float32, k int) ([]memo.VectorHit, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

// fakeLexicalIndex is a scripted memo.LexicalIndex.
type fakeLexicalIndex struct {
	hits     []memo.LexicalHit
	err      error
	gotK     int
	gotQuery string
}

func (f *fakeLexicalIndex) TopKLexical(ctx context.Context, query string, k int) ([]memo.LexicalHit, error) {
	f.gotK = k
	f.gotQuery = query
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

// fakeResolver serves candidate metadata from a map.
type fakeResolver struct {
	meta map[int64]memo.Candidate
	err  error
}

func (f *fakeResolver) ResolveCandidates(ctx context.Context, chunkIDs []int64) (map[int64]memo.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64]memo.Candidate, len(chunkIDs))
	for _, id := range chunkIDs {
		if c, ok := f.meta[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func metaFor(ids ...int64) map[int64]memo.Candidate {
	m := make(map[int64]memo.Candidate, len(ids))
	for _, id := range ids {
		m[id] = memo.Candidate{
			ChunkID:    id,
			ChunkText:  "チャンク本文",
			FilePath:   "memos/a.wav",
			RecordedAt: time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC),
		}
	}
	return m
}

func TestHybridSearch_BlendsAndResolves(t *testing.T) {
	vec := &fakeVectorIndex{hits: []memo.VectorHit{
		{ChunkID: 1, Distance: 0.2},
		{ChunkID: 2, Distance: 0.1},
	}}
	lex := &fakeLexicalIndex{hits: []memo.LexicalHit{
		{ChunkID: 1, Score: 1.0},
		{ChunkID: 3, Score: 0.0},
	}}
	r := NewRetriever(vec, lex, &fakeResolver{meta: metaFor(1, 2, 3)}, embedmock.New(4))

	got, err := r.HybridSearch(context.Background(), "予算の件", 10, 0.6)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}

	wantOrder := []int64{1, 2, 3}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d candidates, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ChunkID != id {
			t.Errorf("rank %d: ChunkID = %d, want %d", i, got[i].ChunkID, id)
		}
	}

	top := got[0]
	if !almostEqual(top.Score, 0.68) || !almostEqual(top.ScoreVector, 0.8) || !almostEqual(top.ScoreFTS, 0.5) {
		t.Errorf("top scores = (%v, %v, %v), want (0.68, 0.8, 0.5)", top.Score, top.ScoreVector, top.ScoreFTS)
	}
	if top.FilePath != "memos/a.wav" {
		t.Errorf("metadata not attached: %+v", top)
	}

	// Both legs draw from the widened candidate pool.
	if vec.gotK != 30 || lex.gotK != 30 {
		t.Errorf("leg pool sizes = (%d, %d), want (30, 30)", vec.gotK, lex.gotK)
	}
	if lex.gotQuery != "予算の件" {
		t.Errorf("lexical query = %q", lex.gotQuery)
	}
}

func TestHybridSearch_EmbedFailureFallsBackToLexical(t *testing.T) {
	vec := &fakeVectorIndex{hits: []memo.VectorHit{{ChunkID: 1, Distance: 0.1}}}
	lex := &fakeLexicalIndex{hits: []memo.LexicalHit{{ChunkID: 2, Score: 0.0}}}
	emb := embedmock.New(4)
	emb.EmbedErr = errors.New("provider down")
	r := NewRetriever(vec, lex, &fakeResolver{meta: metaFor(1, 2)}, emb)

	got, err := r.HybridSearch(context.Background(), "会議", 5, 0.6)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != 2 {
		t.Fatalf("expected lexical-only result for chunk 2, got %+v", got)
	}
	if got[0].ScoreVector != 0 {
		t.Errorf("ScoreVector = %v, want 0 in lexical fallback", got[0].ScoreVector)
	}
	if !almostEqual(got[0].ScoreFTS, 1.0) || !almostEqual(got[0].Score, 1.0) {
		t.Errorf("lexical scores = (%v, %v), want (1, 1)", got[0].ScoreFTS, got[0].Score)
	}
	if vec.gotK != 0 {
		t.Error("vector leg must not run when embedding fails")
	}
}

func TestHybridSearch_LegErrorPropagates(t *testing.T) {
	vec := &fakeVectorIndex{err: errors.New("index broken")}
	lex := &fakeLexicalIndex{}
	r := NewRetriever(vec, lex, &fakeResolver{meta: metaFor()}, embedmock.New(4))

	if _, err := r.HybridSearch(context.Background(), "会議", 5, 0.6); err == nil {
		t.Fatal("expected error from failing vector leg")
	}
}

func TestSearch_VectorOnlyScoring(t *testing.T) {
	vec := &fakeVectorIndex{hits: []memo.VectorHit{
		{ChunkID: 1, Distance: 0.25},
		{ChunkID: 2, Distance: 0.5},
	}}
	r := NewRetriever(vec, &fakeLexicalIndex{}, &fakeResolver{meta: metaFor(1, 2)}, embedmock.New(4))

	got, err := r.Search(context.Background(), "会議", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if !almostEqual(got[0].Score, 0.75) || !almostEqual(got[0].ScoreVector, 0.75) || got[0].ScoreFTS != 0 {
		t.Errorf("scores = (%v, %v, %v), want (0.75, 0.75, 0)", got[0].Score, got[0].ScoreVector, got[0].ScoreFTS)
	}
	// Pure vector search uses k directly, no pool widening.
	if vec.gotK != 10 {
		t.Errorf("vector k = %d, want 10", vec.gotK)
	}
}

func TestFTSOnly(t *testing.T) {
	lex := &fakeLexicalIndex{hits: []memo.LexicalHit{
		{ChunkID: 1, Score: 0.0},
		{ChunkID: 2, Score: 3.0},
	}}
	r := NewRetriever(&fakeVectorIndex{}, lex, &fakeResolver{meta: metaFor(1, 2)}, embedmock.New(4))

	got, err := r.FTSOnly(context.Background(), "田中", 10)
	if err != nil {
		t.Fatalf("FTSOnly: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if !almostEqual(got[0].Score, 1.0) || !almostEqual(got[1].Score, 0.25) {
		t.Errorf("scores = (%v, %v), want (1, 0.25)", got[0].Score, got[1].Score)
	}
}

func TestRetriever_EmptyIndex(t *testing.T) {
	r := NewRetriever(&fakeVectorIndex{}, &fakeLexicalIndex{}, &fakeResolver{meta: metaFor()}, embedmock.New(4))

	got, err := r.HybridSearch(context.Background(), "何もない", 10, 0.6)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if got == nil {
		t.Fatal("result must be non-nil")
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates, got %v", got)
	}
}

func TestRetriever_UnresolvableChunkSkipped(t *testing.T) {
	// Chunk 2 was deleted between retrieval and resolution.
	vec := &fakeVectorIndex{hits: []memo.VectorHit{
		{ChunkID: 1, Distance: 0.1},
		{ChunkID: 2, Distance: 0.2},
	}}
	r := NewRetriever(vec, &fakeLexicalIndex{}, &fakeResolver{meta: metaFor(1)}, embedmock.New(4))

	got, err := r.Search(context.Background(), "会議", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != 1 {
		t.Errorf("expected only chunk 1, got %+v", got)
	}
}

func TestRetriever_CandidateMultiplierOption(t *testing.T) {
	vec := &fakeVectorIndex{}
	lex := &fakeLexicalIndex{}
	r := NewRetriever(vec, lex, &fakeResolver{meta: metaFor()}, embedmock.New(4), WithCandidateMultiplier(5))

	if _, err := r.HybridSearch(context.Background(), "会議", 4, 0.6); err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if vec.gotK != 20 || lex.gotK != 20 {
		t.Errorf("leg pool sizes = (%d, %d), want (20, 20)", vec.gotK, lex.gotK)
	}
}
