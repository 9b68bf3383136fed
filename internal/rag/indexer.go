package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memovox/memovox/internal/observe"
	"github.com/memovox/memovox/pkg/memo"
	"github.com/memovox/memovox/pkg/provider/embeddings"
)

// Default chunking configuration, in runes.
const (
	DefaultChunkSize    = 600
	DefaultChunkOverlap = 120
)

// Indexer turns a transcription's text into embedded chunks and replaces the
// stored chunk set. Callers must serialise concurrent calls for the same
// transcription id; calls for different transcriptions are independent.
type Indexer struct {
	chunks       memo.ChunkStore
	embedder     embeddings.Provider
	chunkSize    int
	chunkOverlap int
	metrics      *observe.Metrics
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithChunking overrides the chunk size and overlap, both in runes.
// Non-positive sizes and negative overlaps are ignored.
func WithChunking(size, overlap int) IndexerOption {
	return func(ix *Indexer) {
		if size > 0 {
			ix.chunkSize = size
		}
		if overlap >= 0 {
			ix.chunkOverlap = overlap
		}
	}
}

// NewIndexer creates an Indexer writing to chunks and embedding via embedder.
func NewIndexer(chunks memo.ChunkStore, embedder embeddings.Provider, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		chunks:       chunks,
		embedder:     embedder,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		metrics:      observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// IndexTranscription chunks text, embeds every chunk in one batch, and
// atomically replaces the stored chunk set for transcriptionID.
//
// Empty text and total embedding failure are recoverable no-ops: the call is
// logged and returns nil, leaving the previous chunk set untouched until a
// re-index succeeds. Individual vectors whose dimension does not match the
// embedder are dropped and the remaining chunks are re-sequenced so ordinals
// stay gapless. Only a storage failure is reported as an error.
func (ix *Indexer) IndexTranscription(ctx context.Context, transcriptionID int64, text string) error {
	start := time.Now()

	parts := SplitText(text, ix.chunkSize, ix.chunkOverlap)
	if len(parts) == 0 {
		slog.DebugContext(ctx, "indexer: no chunks produced",
			"transcription_id", transcriptionID)
		return nil
	}

	embedStart := time.Now()
	vectors, err := ix.embedder.EmbedBatch(ctx, parts)
	ix.metrics.EmbeddingDuration.Record(ctx, time.Since(embedStart).Seconds())
	if err != nil || len(vectors) == 0 {
		slog.WarnContext(ctx, "indexer: embedding batch failed, leaving previous chunk set",
			"transcription_id", transcriptionID, "model", ix.embedder.ModelID(), "error", err)
		ix.metrics.RecordProviderError(ctx, ix.embedder.ModelID(), "embeddings")
		return nil
	}
	ix.metrics.RecordProviderRequest(ctx, ix.embedder.ModelID(), "embeddings", "ok")

	dims := ix.embedder.Dimensions()
	chunks := make([]memo.Chunk, 0, len(parts))
	for i, part := range parts {
		if i >= len(vectors) {
			break
		}
		if len(vectors[i]) != dims {
			slog.WarnContext(ctx, "indexer: dropping chunk with unexpected embedding dimension",
				"transcription_id", transcriptionID, "chunk", i,
				"expected", dims, "actual", len(vectors[i]))
			continue
		}
		chunks = append(chunks, memo.Chunk{
			TranscriptionID: transcriptionID,
			Index:           len(chunks),
			Text:            part,
			Embedding:       vectors[i],
		})
	}
	if len(chunks) == 0 {
		slog.WarnContext(ctx, "indexer: all embeddings dropped, leaving previous chunk set",
			"transcription_id", transcriptionID)
		return nil
	}

	if err := ix.chunks.ReplaceChunks(ctx, transcriptionID, chunks); err != nil {
		return fmt.Errorf("indexer: replace chunks: %w", err)
	}

	ix.metrics.IndexedChunks.Add(ctx, int64(len(chunks)))
	ix.metrics.IndexingDuration.Record(ctx, time.Since(start).Seconds())
	slog.InfoContext(ctx, "indexer: transcription indexed",
		"transcription_id", transcriptionID, "chunks", len(chunks))
	return nil
}
