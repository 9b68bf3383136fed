package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memovox/memovox/internal/observe"
	"github.com/memovox/memovox/pkg/memo"
	"github.com/memovox/memovox/pkg/provider/llm"
)

// Default retrieval and budgeting configuration.
const (
	// DefaultAlpha is the blend weight, vector-leaning: semantic similarity
	// is the stronger general signal, lexical exact-match breaks ties toward
	// literal keyword hits.
	DefaultAlpha = 0.6

	// DefaultRetrievalK is the candidate pool drawn from the index per query.
	DefaultRetrievalK = 100

	// DefaultMaxContextChunks caps how many candidates enter the prompt.
	DefaultMaxContextChunks = 12

	// DefaultMaxContextChars caps the prompt context size in runes, header
	// overhead included.
	DefaultMaxContextChars = 20000

	defaultTemperature = 0.2
)

// Canned user-facing fragments for paths that never reach the LLM or that
// recover from a generation failure.
const (
	msgNotFound       = "関連するテキストが見つかりませんでした。"
	msgContextTooLong = "回答生成時にプロンプトが長過ぎました。検索件数またはコンテキスト上限を下げて再実行してください。"
	msgGenerationFail = "回答生成中にエラーが発生しました。時間をおいて再実行してください。"
)

// Engine is the question-answering pipeline: retrieve, date-filter, budget,
// compose, stream, log.
type Engine struct {
	retriever   *Retriever
	llm         llm.Provider
	chatlog     memo.ChatLogStore
	metrics     *observe.Metrics
	clock       func() time.Time
	maxChars    int
	temperature float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for relative date parsing.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = fn }
}

// WithMaxContextChars overrides the context character budget.
func WithMaxContextChars(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxChars = n
		}
	}
}

// WithTemperature overrides the generation temperature.
func WithTemperature(t float64) EngineOption {
	return func(e *Engine) { e.temperature = t }
}

// NewEngine wires the retriever, the answer LLM, and the session log.
// chatlog may be nil, in which case turns are not persisted and history must
// be supplied per request.
func NewEngine(retriever *Retriever, provider llm.Provider, chatlog memo.ChatLogStore, opts ...EngineOption) *Engine {
	e := &Engine{
		retriever:   retriever,
		llm:         provider,
		chatlog:     chatlog,
		metrics:     observe.DefaultMetrics(),
		clock:       time.Now,
		maxChars:    DefaultMaxContextChars,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// AskRequest is one question against the indexed corpus.
type AskRequest struct {
	// SessionID groups this turn into a conversation.
	SessionID string

	// Query is the user's question.
	Query string

	// Hybrid selects vector+lexical blending; false means pure vector
	// retrieval (with lexical fallback when embedding fails).
	Hybrid bool

	// Alpha is the blend weight in [0,1], only used when Hybrid is set.
	// Callers normally pass DefaultAlpha.
	Alpha float64

	// RetrievalK is the candidate pool size. Zero means DefaultRetrievalK.
	RetrievalK int

	// ContextChunks caps prompt context entries. Zero means
	// DefaultMaxContextChunks.
	ContextChunks int

	// History overrides the conversation history. When nil, history is
	// loaded from the session log for SessionID.
	History []llm.Message
}

// AskMeta describes how a question was answered.
type AskMeta struct {
	// CandidatesConsidered is the ranked candidate count before budgeting.
	CandidatesConsidered int

	// ChunksUsed and CharsUsed describe the budgeted prompt context.
	ChunksUsed int
	CharsUsed  int

	// DateFilter is the interval parsed from the query, nil when no temporal
	// expression was recognised.
	DateFilter *DateRange

	// DateFilterMatched is only meaningful when DateFilter is set: false
	// means filtering would have eliminated every candidate and the
	// unfiltered ranking was used instead.
	DateFilterMatched bool
}

// AnswerStream is a lazy, finite, non-restartable answer.
type AnswerStream struct {
	// Fragments emits answer text incrementally and is closed when
	// generation finishes. Abandoning consumption requires cancelling the
	// context passed to Ask; an abandoned stream never records a turn.
	Fragments <-chan string

	// Contexts are the budgeted candidates included in the prompt, in
	// ranking order.
	Contexts []memo.Candidate

	Meta AskMeta
}

// Ask runs the full pipeline for one question. The retrieval, filtering, and
// budgeting stages run synchronously; generation streams through the returned
// AnswerStream. The turn is recorded to the session log only after the stream
// is fully drained, so write-once log entries never hold half-consumed
// answers.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (*AnswerStream, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("engine: query must not be empty")
	}
	k := req.RetrievalK
	if k <= 0 {
		k = DefaultRetrievalK
	}
	maxChunks := req.ContextChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxContextChunks
	}

	var cands []memo.Candidate
	var err error
	if req.Hybrid {
		cands, err = e.retriever.HybridSearch(ctx, req.Query, k, req.Alpha)
	} else {
		cands, err = e.retriever.Search(ctx, req.Query, k)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: retrieve: %w", err)
	}

	meta := AskMeta{CandidatesConsidered: len(cands)}
	if dr, ok := ParseDateRange(req.Query, e.clock()); ok {
		meta.DateFilter = &dr
		if filtered := FilterByDate(cands, dr); len(filtered) > 0 {
			cands = filtered
			meta.DateFilterMatched = true
		}
	}

	if len(cands) == 0 {
		return e.cannedStream(ctx, req, meta), nil
	}

	sel := SelectContext(cands, maxChunks, e.maxChars)
	meta.ChunksUsed = len(sel.Candidates)
	meta.CharsUsed = sel.CharsUsed

	history := req.History
	if history == nil && e.chatlog != nil {
		turns, herr := e.chatlog.LoadHistory(ctx, req.SessionID)
		if herr != nil {
			slog.WarnContext(ctx, "engine: load history",
				"session_id", req.SessionID, "error", herr)
		} else {
			history = HistoryMessages(turns)
		}
	}

	creq := BuildMessages(req.Query, sel.Candidates, history)
	creq.Temperature = e.temperature

	out := make(chan string, 32)
	stream := &AnswerStream{Fragments: out, Contexts: sel.Candidates, Meta: meta}

	chunks, serr := e.llm.StreamCompletion(ctx, creq)
	if serr != nil {
		slog.ErrorContext(ctx, "engine: start generation", "error", serr)
		e.metrics.RecordProviderError(ctx, "llm", "completion")
		go func() {
			defer close(out)
			msg := diagnosticMessage(serr.Error())
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
			e.recordTurn(ctx, req, msg, sel.Candidates, meta)
		}()
		return stream, nil
	}

	go e.pump(ctx, req, chunks, out, sel.Candidates, meta)
	return stream, nil
}

// pump forwards generation chunks to the consumer, converts a mid-stream
// failure into one diagnostic fragment, and records the turn once the stream
// closes. Cancellation abandons the stream without recording.
func (e *Engine) pump(ctx context.Context, req AskRequest, chunks <-chan llm.Chunk, out chan<- string, contexts []memo.Candidate, meta AskMeta) {
	start := time.Now()
	e.metrics.ActiveAnswerStreams.Add(ctx, 1)
	defer e.metrics.ActiveAnswerStreams.Add(ctx, -1)
	defer close(out)

	var answer strings.Builder
	failed := false
	for chunk := range chunks {
		text := chunk.Text
		if chunk.FinishReason == "error" {
			failed = true
			slog.ErrorContext(ctx, "engine: generation failed mid-stream", "error", chunk.Text)
			e.metrics.RecordProviderError(ctx, "llm", "completion")
			text = diagnosticMessage(chunk.Text)
		}
		if text == "" {
			continue
		}
		answer.WriteString(text)
		select {
		case out <- text:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	e.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if failed {
		status = "error"
	}
	e.metrics.RecordQuestion(ctx, retrievalMode(req), status)
	e.recordTurn(ctx, req, answer.String(), contexts, meta)
}

// cannedStream answers without an LLM call when retrieval produced nothing.
func (e *Engine) cannedStream(ctx context.Context, req AskRequest, meta AskMeta) *AnswerStream {
	msg := msgNotFound
	if meta.DateFilter != nil {
		msg = fmt.Sprintf("%s（対象期間: %s）", msgNotFound, meta.DateFilter)
	}

	out := make(chan string, 1)
	out <- msg
	close(out)

	e.metrics.RecordQuestion(ctx, retrievalMode(req), "not_found")
	e.recordTurn(ctx, req, msg, []memo.Candidate{}, meta)
	return &AnswerStream{Fragments: out, Contexts: []memo.Candidate{}, Meta: meta}
}

func (e *Engine) recordTurn(ctx context.Context, req AskRequest, answer string, contexts []memo.Candidate, meta AskMeta) {
	if e.chatlog == nil {
		return
	}
	turn := memo.TurnLog{
		SessionID:         req.SessionID,
		Question:          req.Query,
		Answer:            answer,
		Contexts:          contexts,
		UsedHybrid:        req.Hybrid,
		Alpha:             req.Alpha,
		DateFilterMatched: meta.DateFilterMatched,
	}
	if err := e.chatlog.RecordTurn(ctx, turn); err != nil {
		slog.WarnContext(ctx, "engine: record turn",
			"session_id", req.SessionID, "error", err)
	}
}

func retrievalMode(req AskRequest) string {
	if req.Hybrid {
		return "hybrid"
	}
	return "vector"
}

// diagnosticMessage maps a provider error to a user-facing recovery hint.
// Context-length failures get a concrete suggestion, everything else a
// generic retry message.
func diagnosticMessage(errText string) string {
	lower := strings.ToLower(errText)
	if strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "too many tokens") {
		return msgContextTooLong
	}
	return msgGenerationFail
}
