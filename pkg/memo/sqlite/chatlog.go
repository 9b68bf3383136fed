package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memovox/memovox/pkg/memo"
)

// defaultSessionLimit caps ListSessions results when the caller passes 0.
const defaultSessionLimit = 50

// RecordTurn implements [memo.ChatLogStore]. Turns are append-only.
func (s *Store) RecordTurn(ctx context.Context, turn memo.TurnLog) error {
	contexts, err := json.Marshal(turn.Contexts)
	if err != nil {
		return fmt.Errorf("sqlite store: record turn: marshal contexts: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rag_chat_logs
		     (session_id, created_at, question, answer, contexts, used_hybrid, alpha, date_filter_matched)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID,
		time.Now().UTC().Format(timeFormat),
		turn.Question,
		turn.Answer,
		string(contexts),
		turn.UsedHybrid,
		turn.Alpha,
		turn.DateFilterMatched,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: record turn: %w", err)
	}
	return nil
}

// LoadHistory implements [memo.ChatLogStore]. Turns are returned in
// chronological order (oldest first).
func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]memo.TurnLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, created_at, question, answer, contexts,
		        used_hybrid, alpha, date_filter_matched
		 FROM   rag_chat_logs
		 WHERE  session_id = ?
		 ORDER  BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load history: %w", err)
	}
	defer rows.Close()

	turns := []memo.TurnLog{}
	for rows.Next() {
		var (
			t         memo.TurnLog
			createdAt string
			contexts  string
		)
		if err := rows.Scan(
			&t.ID, &t.SessionID, &createdAt, &t.Question, &t.Answer, &contexts,
			&t.UsedHybrid, &t.Alpha, &t.DateFilterMatched,
		); err != nil {
			return nil, fmt.Errorf("sqlite store: load history: scan: %w", err)
		}
		t.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: load history: parse created_at: %w", err)
		}
		if contexts != "" {
			if err := json.Unmarshal([]byte(contexts), &t.Contexts); err != nil {
				return nil, fmt.Errorf("sqlite store: load history: unmarshal contexts: %w", err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: load history: rows: %w", err)
	}
	return turns, nil
}

// ListSessions implements [memo.ChatLogStore]. Sessions are summarised with
// their earliest question and ordered by last activity, newest first. The
// keyword and hybrid filters both keep a session when at least one of its
// turns matches.
func (s *Store) ListSessions(ctx context.Context, keyword string, hybrid memo.HybridFilter, limit int) ([]memo.SessionSummary, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}

	const q = `
		SELECT l.session_id,
		       (SELECT q.question FROM rag_chat_logs AS q
		        WHERE q.session_id = l.session_id
		        ORDER BY q.created_at, q.id LIMIT 1)            AS first_question,
		       max(l.created_at)                                AS last_updated,
		       count(*)                                         AS turns,
		       sum(CASE WHEN l.used_hybrid THEN 1 ELSE 0 END)   AS hybrid_turns
		FROM   rag_chat_logs AS l
		GROUP  BY l.session_id
		HAVING (? = ''
		    OR  sum(CASE WHEN instr(l.question, ?) > 0 OR instr(l.answer, ?) > 0 THEN 1 ELSE 0 END) > 0)
		   AND (? = 0
		    OR (? = 1 AND max(l.used_hybrid) = 1)
		    OR (? = 2 AND min(l.used_hybrid) = 0))
		ORDER  BY last_updated DESC
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q,
		keyword, keyword, keyword,
		int(hybrid), int(hybrid), int(hybrid),
		limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []memo.SessionSummary{}
	for rows.Next() {
		var (
			sum         memo.SessionSummary
			lastUpdated string
		)
		if err := rows.Scan(&sum.SessionID, &sum.FirstQuestion, &lastUpdated, &sum.Turns, &sum.HybridTurns); err != nil {
			return nil, fmt.Errorf("sqlite store: list sessions: scan: %w", err)
		}
		sum.LastUpdated, err = time.Parse(timeFormat, lastUpdated)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: list sessions: parse last_updated: %w", err)
		}
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list sessions: rows: %w", err)
	}
	return sessions, nil
}
