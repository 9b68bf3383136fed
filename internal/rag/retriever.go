package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memovox/memovox/internal/observe"
	"github.com/memovox/memovox/pkg/memo"
	"github.com/memovox/memovox/pkg/provider/embeddings"
)

// DefaultCandidateMultiplier sizes the per-leg candidate pool relative to the
// requested top-k so the blender has headroom when the legs disagree.
const DefaultCandidateMultiplier = 3

// Retriever runs the vector and lexical retrieval legs and blends their
// results into a single ranked candidate list.
type Retriever struct {
	vec      memo.VectorIndex
	lex      memo.LexicalIndex
	resolver memo.CandidateResolver
	embedder embeddings.Provider
	candMult int
	metrics  *observe.Metrics
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithCandidateMultiplier overrides the per-leg candidate pool multiplier.
// Values below 1 are ignored.
func WithCandidateMultiplier(n int) RetrieverOption {
	return func(r *Retriever) {
		if n >= 1 {
			r.candMult = n
		}
	}
}

// NewRetriever wires the retrieval legs, the metadata resolver, and the
// embedding provider used for query vectors.
func NewRetriever(vec memo.VectorIndex, lex memo.LexicalIndex, resolver memo.CandidateResolver, embedder embeddings.Provider, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		vec:      vec,
		lex:      lex,
		resolver: resolver,
		embedder: embedder,
		candMult: DefaultCandidateMultiplier,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HybridSearch embeds the query, runs both retrieval legs concurrently over
// a candidate pool of k*multiplier, blends the scores with weight alpha, and
// returns the top k candidates with metadata attached. When the query cannot
// be embedded the vector leg is abandoned and the result degrades to
// lexical-only retrieval.
func (r *Retriever) HybridSearch(ctx context.Context, query string, k int, alpha float64) ([]memo.Candidate, error) {
	start := time.Now()
	defer func() {
		r.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}()

	qvec, err := r.embedQuery(ctx, query)
	if err != nil {
		return r.ftsOnly(ctx, query, k)
	}

	candK := k * r.candMult
	if candK < k {
		candK = k
	}

	var vecHits []memo.VectorHit
	var lexHits []memo.LexicalHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecHits, err = r.vec.TopK(gctx, qvec, candK)
		return err
	})
	g.Go(func() error {
		var err error
		lexHits, err = r.lex.TopKLexical(gctx, query, candK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retriever: hybrid legs: %w", err)
	}

	return r.resolve(ctx, blendScores(vecHits, lexHits, alpha, k))
}

// Search runs pure vector retrieval: the top k candidates by cosine
// similarity, scored as clamp(1-distance, 0, 1). Falls back to lexical-only
// retrieval when the query cannot be embedded.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]memo.Candidate, error) {
	start := time.Now()
	defer func() {
		r.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}()

	qvec, err := r.embedQuery(ctx, query)
	if err != nil {
		return r.ftsOnly(ctx, query, k)
	}

	hits, err := r.vec.TopK(ctx, qvec, k)
	if err != nil {
		return nil, fmt.Errorf("retriever: vector leg: %w", err)
	}

	scored := make([]blended, 0, len(hits))
	for _, h := range hits {
		sim := clamp01(1 - h.Distance)
		scored = append(scored, blended{ChunkID: h.ChunkID, Score: sim, Vector: sim})
	}
	return r.resolve(ctx, scored)
}

// FTSOnly runs pure lexical retrieval with no vector leg.
func (r *Retriever) FTSOnly(ctx context.Context, query string, k int) ([]memo.Candidate, error) {
	start := time.Now()
	defer func() {
		r.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}()
	return r.ftsOnly(ctx, query, k)
}

func (r *Retriever) ftsOnly(ctx context.Context, query string, k int) ([]memo.Candidate, error) {
	hits, err := r.lex.TopKLexical(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("retriever: lexical leg: %w", err)
	}

	scored := make([]blended, 0, len(hits))
	for _, h := range hits {
		sim := lexicalSimilarity(h.Score)
		scored = append(scored, blended{ChunkID: h.ChunkID, Score: sim, FTS: sim})
	}
	return r.resolve(ctx, scored)
}

// embedQuery embeds the query text. Any failure is logged and counted; the
// caller decides how to degrade.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	start := time.Now()
	qvec, err := r.embedder.Embed(ctx, query)
	r.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil || len(qvec) == 0 {
		slog.WarnContext(ctx, "retriever: query embedding failed, degrading to lexical-only",
			"model", r.embedder.ModelID(), "error", err)
		r.metrics.RecordProviderError(ctx, r.embedder.ModelID(), "embeddings")
		if err == nil {
			err = fmt.Errorf("retriever: empty query embedding")
		}
		return nil, err
	}
	r.metrics.RecordProviderRequest(ctx, r.embedder.ModelID(), "embeddings", "ok")
	return qvec, nil
}

// resolve joins scored chunk ids back to candidate metadata, preserving the
// blended ranking. Ids no longer present in the store are silently skipped.
func (r *Retriever) resolve(ctx context.Context, scored []blended) ([]memo.Candidate, error) {
	if len(scored) == 0 {
		return []memo.Candidate{}, nil
	}

	ids := make([]int64, len(scored))
	for i, s := range scored {
		ids[i] = s.ChunkID
	}
	meta, err := r.resolver.ResolveCandidates(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("retriever: resolve candidates: %w", err)
	}

	out := make([]memo.Candidate, 0, len(scored))
	for _, s := range scored {
		c, ok := meta[s.ChunkID]
		if !ok {
			continue
		}
		c.Score = s.Score
		c.ScoreVector = s.Vector
		c.ScoreFTS = s.FTS
		out = append(out, c)
	}
	return out, nil
}
