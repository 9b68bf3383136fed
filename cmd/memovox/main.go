// Command memovox is the CLI for indexing voice-memo transcriptions and
// asking questions over them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/memovox/memovox/internal/app"
	"github.com/memovox/memovox/internal/config"
	"github.com/memovox/memovox/internal/observe"
	"github.com/memovox/memovox/pkg/memo"
)

const usage = `Usage: memovox [-config path] <command> [flags]

Commands:
  index     ingest a transcription and (re)build its chunk index
  ask       ask a question over indexed memos
  sessions  list chat sessions
  history   show a session's question/answer turns

Run "memovox <command> -h" for command flags.
`

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "memovox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "memovox: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "memovox"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		if err := application.Close(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}()

	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "index":
		err = runIndex(ctx, application, args)
	case "ask":
		err = runAsk(ctx, application, args)
	case "sessions":
		err = runSessions(ctx, application, args)
	case "history":
		err = runHistory(ctx, application, args)
	default:
		fmt.Fprintf(os.Stderr, "memovox: unknown command %q\n\n%s", command, usage)
		return 2
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "memovox: %v\n", err)
		return 1
	}
	return 0
}

// ── index ─────────────────────────────────────────────────────────────────────

func runIndex(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	id := fs.Int64("id", 0, "re-index an existing transcription by id")
	audio := fs.String("audio", "", "source audio file reference")
	tag := fs.String("tag", "", "free-form label for the memo")
	recorded := fs.String("recorded", "", "recording time (2006-01-02 or 2006-01-02T15:04)")
	duration := fs.Float64("duration", 0, "audio length in seconds")
	textFile := fs.String("text-file", "", `transcript text file ("-" reads stdin)`)
	fs.Parse(args)

	text, err := readText(*textFile)
	if err != nil {
		return err
	}

	if *id != 0 {
		if text == "" {
			t, err := a.Store().GetTranscription(ctx, *id)
			if err != nil {
				return fmt.Errorf("load transcription %d: %w", *id, err)
			}
			if t == nil {
				return fmt.Errorf("transcription %d not found", *id)
			}
			text = t.Text
		}
		if err := a.Indexer().IndexTranscription(ctx, *id, text); err != nil {
			return err
		}
		return reportChunks(ctx, a, *id)
	}

	if text == "" {
		return errors.New("index: -text-file is required for a new transcription")
	}
	recordedAt, err := parseRecordedAt(*recorded)
	if err != nil {
		return err
	}

	newID, err := a.Store().SaveTranscription(ctx, memo.Transcription{
		FilePath:   *audio,
		Tag:        *tag,
		RecordedAt: recordedAt,
		Duration:   *duration,
		Text:       text,
	})
	if err != nil {
		return fmt.Errorf("save transcription: %w", err)
	}
	if err := a.Indexer().IndexTranscription(ctx, newID, text); err != nil {
		return err
	}
	fmt.Printf("transcription %d saved\n", newID)
	return reportChunks(ctx, a, newID)
}

func reportChunks(ctx context.Context, a *app.App, id int64) error {
	n, err := a.Store().CountChunks(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d chunks for transcription %d\n", n, id)
	return nil
}

// readText loads the transcript text. An empty path returns "", letting the
// caller decide whether text is required.
func readText(path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %q: %w", path, err)
		}
		return string(b), nil
	}
}

func parseRecordedAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse -recorded %q", s)
}

// ── ask ───────────────────────────────────────────────────────────────────────

func runAsk(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	session := fs.String("session", "", "chat session id (empty starts a new session)")
	hybrid := fs.Bool("hybrid", true, "blend vector and full-text retrieval")
	sources := fs.Bool("sources", true, "print the referenced contexts after the answer")
	fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return errors.New("ask: question text is required")
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = uuid.NewString()
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
	}

	stream, err := a.Ask(ctx, sessionID, query, *hybrid)
	if err != nil {
		return err
	}
	for frag := range stream.Fragments {
		fmt.Print(frag)
	}
	fmt.Println()

	if stream.Meta.DateFilter != nil && !stream.Meta.DateFilterMatched {
		fmt.Fprintf(os.Stderr, "note: no memos in %s; answered from all periods\n", stream.Meta.DateFilter)
	}
	if *sources && len(stream.Contexts) > 0 {
		fmt.Println("\n--- 参照コンテキスト ---")
		for i, c := range stream.Contexts {
			fmt.Printf("[#%d] スコア:%.3f %s\n", i+1, c.Score, describeSource(c))
		}
	}
	return ctx.Err()
}

func describeSource(c memo.Candidate) string {
	var parts []string
	if c.FilePath != "" {
		parts = append(parts, c.FilePath)
	}
	if c.Tag != "" {
		parts = append(parts, c.Tag)
	}
	if !c.RecordedAt.IsZero() {
		parts = append(parts, c.RecordedAt.Format("2006-01-02 15:04"))
	}
	return strings.Join(parts, " / ")
}

// ── sessions ──────────────────────────────────────────────────────────────────

func runSessions(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	keyword := fs.String("keyword", "", "only sessions whose turns contain this text")
	hybrid := fs.String("hybrid", "any", "retrieval mode filter: any, on (hybrid turns) or off (vector-only turns)")
	limit := fs.Int("limit", 20, "maximum number of sessions")
	fs.Parse(args)

	filter, err := parseHybridFilter(*hybrid)
	if err != nil {
		return err
	}
	summaries, err := a.Store().ListSessions(ctx, *keyword, filter, *limit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  turns:%-3d  hybrid:%d/%d  last:%s  %s\n",
			s.SessionID, s.Turns, s.HybridTurns, s.Turns,
			s.LastUpdated.Format("2006-01-02 15:04"), s.FirstQuestion)
	}
	return nil
}

func parseHybridFilter(mode string) (memo.HybridFilter, error) {
	switch mode {
	case "any", "":
		return memo.HybridAny, nil
	case "on":
		return memo.HybridOnly, nil
	case "off":
		return memo.VectorOnly, nil
	default:
		return memo.HybridAny, fmt.Errorf("sessions: -hybrid must be any, on or off, got %q", mode)
	}
}

// ── history ───────────────────────────────────────────────────────────────────

func runHistory(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	session := fs.String("session", "", "chat session id")
	fs.Parse(args)

	if *session == "" {
		return errors.New("history: -session is required")
	}
	turns, err := a.Store().LoadHistory(ctx, *session)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Println("no turns")
		return nil
	}
	for _, turn := range turns {
		mode := "vector"
		if turn.UsedHybrid {
			mode = fmt.Sprintf("hybrid α=%.2f", turn.Alpha)
		}
		fmt.Printf("[%s] (%s) Q: %s\n", turn.CreatedAt.Format("2006-01-02 15:04"), mode, turn.Question)
		fmt.Printf("A: %s\n\n", turn.Answer)
	}
	return nil
}

// ── logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
