package memo

import "time"

// Transcription is one durable record per processed audio source. It is
// created by the ingestion pipeline (speech-to-text, structuring); the
// retrieval core only reads its identifier, text, and recorded timestamp.
// Deleting a transcription cascades to its chunks.
type Transcription struct {
	// ID is the unique identifier assigned by the store on insert.
	ID int64

	// FilePath is the reference to the source audio file.
	FilePath string

	// Tag is an optional free-form label (e.g., "meeting", "memo").
	Tag string

	// RecordedAt is when the audio was recorded. Date-range filters compare
	// against this field by calendar date, ignoring time of day.
	RecordedAt time.Time

	// Duration is the audio length in seconds.
	Duration float64

	// Text is the full transcript text.
	Text string
}

// Chunk is a contiguous, sentence-bounded slice of one transcription's text,
// the unit of retrieval. All chunks for a transcription are deleted and
// regenerated together on (re-)indexing so the chunk set is always consistent
// with a single embedding model and chunking configuration.
type Chunk struct {
	// ID is the unique chunk identifier assigned by the store.
	ID int64

	// TranscriptionID is the parent transcription.
	TranscriptionID int64

	// Index is the zero-based, gapless ordinal of this chunk within its parent.
	Index int

	// Text is the chunk content.
	Text string

	// Embedding is the fixed-dimension vector representation of Text.
	Embedding []float32

	// CreatedAt is when the chunk row was written.
	CreatedAt time.Time
}

// VectorHit is one result from the vector retrieval leg.
type VectorHit struct {
	// ChunkID identifies the matched chunk.
	ChunkID int64

	// Distance is the cosine distance to the query vector (lower is closer).
	Distance float64
}

// LexicalHit is one result from the lexical retrieval leg.
type LexicalHit struct {
	// ChunkID identifies the matched chunk.
	ChunkID int64

	// Score is the raw lexical rank score (lower is better, unbounded). The
	// blender converts it to a similarity via 1/(1+max(0, Score)). The
	// substring fallback reports a fixed score of 1.0 for every match.
	Score float64
}

// Candidate is a scored reference to a chunk produced during retrieval,
// denormalised with its parent transcription's metadata. Candidates are
// transient; only the subset used as answer context is persisted into the
// chat log.
type Candidate struct {
	ChunkID         int64     `json:"chunk_id"`
	TranscriptionID int64     `json:"transcription_id"`
	ChunkIndex      int       `json:"chunk_index"`
	ChunkText       string    `json:"chunk_text"`
	FilePath        string    `json:"file_path"`
	Tag             string    `json:"tag,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
	Duration        float64   `json:"duration,omitempty"`

	// Score is the blended relevance score in [0,1].
	Score float64 `json:"score"`

	// ScoreVector is the vector-similarity component in [0,1] (0 when the
	// chunk was absent from the vector leg).
	ScoreVector float64 `json:"score_vector"`

	// ScoreFTS is the lexical-relevance component in [0,1] (0 when the chunk
	// was absent from the lexical leg).
	ScoreFTS float64 `json:"score_fts"`
}

// TurnLog is one immutable question/answer turn of a chat session. Entries
// are write-once: repeating a question appends a new entry.
type TurnLog struct {
	// ID is the log row identifier assigned by the store.
	ID int64

	// SessionID groups turns into a conversation.
	SessionID string

	// CreatedAt is when the turn was recorded.
	CreatedAt time.Time

	// Question is the user's question text.
	Question string

	// Answer is the fully streamed answer text. May be a partial answer when
	// generation failed mid-stream.
	Answer string

	// Contexts are the candidates that were included in the prompt.
	Contexts []Candidate

	// UsedHybrid records whether hybrid (vector+lexical) retrieval was used.
	UsedHybrid bool

	// Alpha is the blend weight that was in effect.
	Alpha float64

	// DateFilterMatched is false when a temporal expression was detected but
	// filtering by it would have eliminated every candidate.
	DateFilterMatched bool
}

// SessionSummary describes one chat session for a history listing.
type SessionSummary struct {
	// SessionID identifies the session.
	SessionID string

	// FirstQuestion is the question of the session's earliest turn.
	FirstQuestion string

	// LastUpdated is the creation time of the session's latest turn.
	LastUpdated time.Time

	// Turns is the number of question/answer turns in the session.
	Turns int

	// HybridTurns is the number of turns answered with hybrid retrieval.
	HybridTurns int
}
