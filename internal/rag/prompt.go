package rag

import (
	"fmt"
	"strings"

	"github.com/memovox/memovox/pkg/memo"
	"github.com/memovox/memovox/pkg/provider/llm"
)

// historyWindow bounds how many prior conversation messages are carried into
// the prompt.
const historyWindow = 10

// answerSystemPrompt fixes the assistant persona and citation discipline:
// facts must come from the numbered context, cited as [#番号], with missing
// information listed separately instead of guessed.
const answerSystemPrompt = "あなたはRAGベースの社内QAアシスタントです。" +
	"事実は必ず与えられたコンテキストに基づき、出典として [#番号] を明記してください。" +
	"コンテキスト外の推測はしないでください。足りない点は『不足情報』に列挙します。" +
	"文体は簡潔で日本語、箇条書きを優先します。" +
	"会話の文脈を維持し、前の質問への回答と関連付けて答えてください。"

// answerOutputFormat is the explicit 3-section output instruction appended to
// the user turn.
const answerOutputFormat = "出力は次の3セクションで返してください:\n" +
	"1) 回答: 箇条書きで要点のみ（最大5項目）。\n" +
	"2) 根拠: 参照した [#番号] と短い引用/要約（1〜3件）。\n" +
	"3) 不足情報/前提: 追加で必要な情報や不確実な点。"

// BuildMessages composes the completion request for the answer generator:
// the system instruction, the most recent historyWindow conversation
// messages, and a final user turn holding the numbered context block, the
// question, and the output-format instruction.
func BuildMessages(query string, contexts []memo.Candidate, history []llm.Message) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, historyWindow+1)

	h := history
	if len(h) > historyWindow {
		h = h[len(h)-historyWindow:]
	}
	for _, m := range h {
		if (m.Role == "user" || m.Role == "assistant") && m.Content != "" {
			msgs = append(msgs, m)
		}
	}

	user := fmt.Sprintf(
		"以下のコンテキスト（番号付き）を参照して質問に答えてください。\n\nコンテキスト:\n%s\n\n質問:\n%s\n\n%s",
		contextBlock(contexts), query, answerOutputFormat,
	)
	msgs = append(msgs, llm.Message{Role: "user", Content: user})

	return llm.CompletionRequest{
		SystemPrompt: answerSystemPrompt,
		Messages:     msgs,
	}
}

// contextBlock renders the budgeted candidates as numbered context entries.
// Each entry carries a 1-based reference number, the blended score, and the
// source metadata that is present.
func contextBlock(contexts []memo.Candidate) string {
	parts := make([]string, 0, len(contexts))
	for i, c := range contexts {
		var meta []string
		if c.FilePath != "" {
			meta = append(meta, "ファイル: "+c.FilePath)
		}
		if c.Tag != "" {
			meta = append(meta, "タグ: "+c.Tag)
		}
		if !c.RecordedAt.IsZero() {
			meta = append(meta, "録音日時: "+c.RecordedAt.Format("2006-01-02 15:04"))
		}

		header := fmt.Sprintf("[#%d スコア:%.3f]", i+1, c.Score)
		if len(meta) > 0 {
			header += " " + strings.Join(meta, " / ")
		}
		parts = append(parts, header+"\n"+c.ChunkText)
	}
	return strings.Join(parts, "\n\n")
}

// HistoryMessages flattens logged turns into alternating user/assistant
// messages suitable as BuildMessages history input. Empty questions or
// answers are skipped.
func HistoryMessages(turns []memo.TurnLog) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(turns))
	for _, t := range turns {
		if t.Question != "" {
			msgs = append(msgs, llm.Message{Role: "user", Content: t.Question})
		}
		if t.Answer != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Answer})
		}
	}
	return msgs
}
