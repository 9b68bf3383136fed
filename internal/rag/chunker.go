// Package rag implements the hybrid retrieval and answer-composition engine:
// sentence-bounded chunking, embedding-backed indexing, vector+lexical
// retrieval with score blending, natural-language date filtering, context
// budgeting, prompt assembly, and streamed answer generation with session
// logging.
package rag

import (
	"strings"
	"unicode/utf8"
)

// isSentenceTerminator reports whether r ends a sentence. Covers Japanese and
// Latin terminal punctuation since transcripts mix both.
func isSentenceTerminator(r rune) bool {
	switch r {
	case '。', '．', '.', '!', '?', '！', '？':
		return true
	}
	return false
}

// splitSentences splits text at sentence-terminal punctuation, keeping the
// terminator attached to the preceding sentence. Text without any terminator
// is returned as a single sentence.
func splitSentences(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var sentences []string
	var b strings.Builder
	for _, r := range trimmed {
		b.WriteRune(r)
		if isSentenceTerminator(r) {
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// SplitText splits text into an ordered sequence of sentence-bounded chunks.
// size and overlap are measured in runes, not bytes, so Japanese text budgets
// the same way as ASCII.
//
// Sentences are greedily accumulated until the running length would exceed
// size; the buffer is then flushed as a chunk and the next buffer is seeded
// with the trailing overlap runes of the flushed chunk. A single sentence
// longer than size is never split and becomes an oversized chunk on its own.
//
// Returns nil for empty or blank input.
func SplitText(text string, size, overlap int) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	currentLen := 0

	for _, sentence := range sentences {
		sLen := utf8.RuneCountInString(sentence)
		if currentLen+sLen <= size {
			current = append(current, sentence)
			currentLen += sLen
			continue
		}

		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, ""))
		}

		if overlap > 0 && len(chunks) > 0 {
			tail := tailRunes(chunks[len(chunks)-1], overlap)
			current = []string{tail, sentence}
			currentLen = utf8.RuneCountInString(tail) + sLen
		} else {
			current = []string{sentence}
			currentLen = sLen
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, ""))
	}
	return chunks
}

// tailRunes returns the trailing n runes of s, or s itself when shorter.
func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
