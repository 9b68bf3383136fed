package rag

import (
	"unicode/utf8"

	"github.com/memovox/memovox/pkg/memo"
)

// contextHeaderOverhead is the per-chunk character allowance for the metadata
// header the prompt composer prepends to each context block.
const contextHeaderOverhead = 128

// ContextSelection is the outcome of budgeting a ranked candidate list.
type ContextSelection struct {
	// Candidates is the selected prefix, in ranking order. Non-nil.
	Candidates []memo.Candidate

	// CharsUsed is the running character total of the selection, header
	// overhead included. Measured in runes.
	CharsUsed int
}

// SelectContext picks the greedy prefix of ranked that fits both maxChunks
// and maxChars, where each candidate costs its text length plus the header
// overhead. Selection stops at the first candidate that would violate either
// bound.
//
// When even the first candidate does not fit, the top-ranked candidate is
// included alone with its text truncated to max(200, maxChars/2) runes, so
// the prompt always receives at least one piece of context when candidates
// exist.
func SelectContext(ranked []memo.Candidate, maxChunks, maxChars int) ContextSelection {
	selected := make([]memo.Candidate, 0, maxChunks)
	used := 0

	for _, c := range ranked {
		if len(selected) >= maxChunks {
			break
		}
		cost := utf8.RuneCountInString(c.ChunkText) + contextHeaderOverhead
		if used+cost > maxChars {
			break
		}
		selected = append(selected, c)
		used += cost
	}

	if len(selected) == 0 && len(ranked) > 0 {
		limit := maxChars / 2
		if limit < 200 {
			limit = 200
		}
		head := ranked[0]
		head.ChunkText = truncateRunes(head.ChunkText, limit)
		selected = append(selected, head)
		used = utf8.RuneCountInString(head.ChunkText) + contextHeaderOverhead
	}

	return ContextSelection{Candidates: selected, CharsUsed: used}
}

// truncateRunes returns the leading n runes of s.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
