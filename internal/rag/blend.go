package rag

import (
	"sort"

	"github.com/memovox/memovox/pkg/memo"
)

// blended is an intermediate scored chunk reference produced by blendScores,
// before metadata resolution.
type blended struct {
	ChunkID int64

	// Score is alpha*Vector + (1-alpha)*FTS.
	Score  float64
	Vector float64
	FTS    float64
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// lexicalSimilarity converts a raw lexical rank score (lower is better,
// unbounded) into a similarity in [0,1].
func lexicalSimilarity(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	return clamp01(1 / (1 + raw))
}

// blendScores merges the two retrieval legs over the union of their chunk
// ids and returns the top k by blended score. A chunk absent from one leg
// contributes 0 for that leg. Vector distance maps to similarity as
// clamp(1-distance, 0, 1).
//
// Ordering is descending by score with ascending chunk id as the tie-break,
// so identical inputs always produce identical rankings.
func blendScores(vec []memo.VectorHit, lex []memo.LexicalHit, alpha float64, k int) []blended {
	vecSim := make(map[int64]float64, len(vec))
	for _, h := range vec {
		vecSim[h.ChunkID] = clamp01(1 - h.Distance)
	}
	lexSim := make(map[int64]float64, len(lex))
	for _, h := range lex {
		lexSim[h.ChunkID] = lexicalSimilarity(h.Score)
	}

	scored := make([]blended, 0, len(vecSim)+len(lexSim))
	seen := make(map[int64]bool, len(vecSim)+len(lexSim))
	add := func(id int64) {
		if seen[id] {
			return
		}
		seen[id] = true
		v := vecSim[id]
		f := lexSim[id]
		scored = append(scored, blended{
			ChunkID: id,
			Score:   alpha*v + (1-alpha)*f,
			Vector:  v,
			FTS:     f,
		})
	}
	for _, h := range vec {
		add(h.ChunkID)
	}
	for _, h := range lex {
		add(h.ChunkID)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})

	if k >= 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
