package rag

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/memovox/memovox/pkg/memo"
	"github.com/memovox/memovox/pkg/provider/llm"
)

func TestBuildMessages_NumberedContext(t *testing.T) {
	contexts := []memo.Candidate{
		{
			ChunkID:    11,
			ChunkText:  "予算は来月決定します。",
			FilePath:   "memos/2024-06-10.wav",
			Tag:        "会議",
			RecordedAt: time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC),
			Score:      0.68,
		},
		{
			ChunkID:   12,
			ChunkText: "担当は田中さんです。",
			Score:     0.54,
		},
	}

	req := BuildMessages("予算はいつ決まりますか", contexts, nil)

	if req.SystemPrompt == "" {
		t.Fatal("system prompt must be set")
	}
	if !strings.Contains(req.SystemPrompt, "[#番号]") {
		t.Error("system prompt missing citation instruction")
	}
	if len(req.Messages) != 1 {
		t.Fatalf("expected 1 message without history, got %d", len(req.Messages))
	}

	user := req.Messages[0]
	if user.Role != "user" {
		t.Errorf("final message role = %q, want user", user.Role)
	}
	for _, want := range []string{
		"[#1 スコア:0.680] ファイル: memos/2024-06-10.wav / タグ: 会議 / 録音日時: 2024-06-10 09:30",
		"予算は来月決定します。",
		"[#2 スコア:0.540]",
		"担当は田中さんです。",
		"質問:\n予算はいつ決まりますか",
		"3) 不足情報/前提",
	} {
		if !strings.Contains(user.Content, want) {
			t.Errorf("user content missing %q\ncontent:\n%s", want, user.Content)
		}
	}

	// Candidate 2 has no metadata; its header must end after the score.
	if strings.Contains(user.Content, "[#2 スコア:0.540] ") {
		t.Error("empty metadata must not leave a trailing separator")
	}
}

func TestBuildMessages_HistoryWindowAndFiltering(t *testing.T) {
	var history []llm.Message
	for i := 0; i < 8; i++ {
		history = append(history,
			llm.Message{Role: "user", Content: fmt.Sprintf("質問%d", i)},
			llm.Message{Role: "assistant", Content: fmt.Sprintf("回答%d", i)},
		)
	}
	// Messages that must be dropped even inside the window.
	history = append(history,
		llm.Message{Role: "system", Content: "ignored"},
		llm.Message{Role: "user", Content: ""},
	)

	req := BuildMessages("次の質問", nil, history)

	// The window keeps the last 10 raw entries; the system-role and empty
	// entries inside it are filtered, leaving 8 plus the final user turn.
	if len(req.Messages) != 9 {
		t.Fatalf("expected 9 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "user" || req.Messages[0].Content != "質問4" {
		t.Errorf("first history message = %+v, want user 質問4", req.Messages[0])
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "次の質問") {
		t.Errorf("final message must carry the question, got %+v", last)
	}
}

func TestHistoryMessages(t *testing.T) {
	turns := []memo.TurnLog{
		{Question: "最初の質問", Answer: "最初の回答"},
		{Question: "空回答の質問", Answer: ""},
		{Question: "二番目の質問", Answer: "二番目の回答"},
	}

	msgs := HistoryMessages(turns)
	want := []llm.Message{
		{Role: "user", Content: "最初の質問"},
		{Role: "assistant", Content: "最初の回答"},
		{Role: "user", Content: "空回答の質問"},
		{Role: "user", Content: "二番目の質問"},
		{Role: "assistant", Content: "二番目の回答"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}
