package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/memovox/memovox/pkg/memo"
)

// defaultSessionLimit caps ListSessions results when the caller passes 0.
const defaultSessionLimit = 50

// RecordTurn implements [memo.ChatLogStore]. Turns are append-only; the row
// id and creation timestamp are assigned by the database.
func (s *Store) RecordTurn(ctx context.Context, turn memo.TurnLog) error {
	contexts, err := json.Marshal(turn.Contexts)
	if err != nil {
		return fmt.Errorf("postgres store: record turn: marshal contexts: %w", err)
	}

	const q = `
		INSERT INTO rag_chat_logs
		    (session_id, question, answer, contexts, used_hybrid, alpha, date_filter_matched)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.pool.Exec(ctx, q,
		turn.SessionID,
		turn.Question,
		turn.Answer,
		contexts,
		turn.UsedHybrid,
		turn.Alpha,
		turn.DateFilterMatched,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record turn: %w", err)
	}
	return nil
}

// LoadHistory implements [memo.ChatLogStore]. Turns are returned in
// chronological order (oldest first).
func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]memo.TurnLog, error) {
	const q = `
		SELECT id, session_id, created_at, question, answer, contexts,
		       used_hybrid, alpha, date_filter_matched
		FROM   rag_chat_logs
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load history: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memo.TurnLog, error) {
		var (
			t        memo.TurnLog
			contexts []byte
		)
		if err := row.Scan(
			&t.ID, &t.SessionID, &t.CreatedAt, &t.Question, &t.Answer, &contexts,
			&t.UsedHybrid, &t.Alpha, &t.DateFilterMatched,
		); err != nil {
			return memo.TurnLog{}, err
		}
		if len(contexts) > 0 {
			if err := json.Unmarshal(contexts, &t.Contexts); err != nil {
				return memo.TurnLog{}, fmt.Errorf("unmarshal contexts: %w", err)
			}
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: load history: scan rows: %w", err)
	}
	if turns == nil {
		turns = []memo.TurnLog{}
	}
	return turns, nil
}

// ListSessions implements [memo.ChatLogStore]. Sessions are summarised with
// their earliest question and ordered by last activity, newest first. A
// non-empty keyword keeps only sessions with at least one turn whose question
// or answer contains it (case-insensitive); the hybrid filter applies the
// same at-least-one-turn rule to the retrieval mode.
func (s *Store) ListSessions(ctx context.Context, keyword string, hybrid memo.HybridFilter, limit int) ([]memo.SessionSummary, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}

	const q = `
		SELECT session_id,
		       (array_agg(question ORDER BY created_at, id))[1] AS first_question,
		       max(created_at)                                  AS last_updated,
		       count(*)                                         AS turns,
		       count(*) FILTER (WHERE used_hybrid)              AS hybrid_turns
		FROM   rag_chat_logs
		GROUP  BY session_id
		HAVING ($1 = ''
		    OR  bool_or(question ILIKE '%' || $1 || '%' OR answer ILIKE '%' || $1 || '%'))
		   AND ($3 = 0
		    OR ($3 = 1 AND bool_or(used_hybrid))
		    OR ($3 = 2 AND bool_or(NOT used_hybrid)))
		ORDER  BY last_updated DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, keyword, limit, int(hybrid))
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memo.SessionSummary, error) {
		var sum memo.SessionSummary
		if err := row.Scan(&sum.SessionID, &sum.FirstQuestion, &sum.LastUpdated, &sum.Turns, &sum.HybridTurns); err != nil {
			return memo.SessionSummary{}, err
		}
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: scan rows: %w", err)
	}
	if sessions == nil {
		sessions = []memo.SessionSummary{}
	}
	return sessions, nil
}
