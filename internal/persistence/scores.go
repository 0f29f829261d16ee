package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/scorestore"
)

var _ scorestore.Persister = (*Store)(nil)

// RecordRun registers runID as the current run of outcomeID and drops the
// scores of every superseded run.
func (s *Store) RecordRun(ctx context.Context, outcomeID, runID string, startedAt time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (outcome_id, run_id, started_at) VALUES (?, ?, ?)
			ON CONFLICT(outcome_id, run_id) DO NOTHING;
		`, outcomeID, runID, startedAt.UTC()); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outcomes (outcome_id, current_run_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(outcome_id) DO UPDATE SET current_run_id=excluded.current_run_id, updated_at=excluded.updated_at;
		`, outcomeID, runID, startedAt.UTC()); err != nil {
			return fmt.Errorf("set current run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM runs WHERE outcome_id = ? AND run_id != ?;
		`, outcomeID, runID); err != nil {
			return fmt.Errorf("prune superseded runs: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit record run: %w", err)
		}
		return nil
	})
}

// CurrentRun returns the current run of outcomeID, or "" when none exists.
func (s *Store) CurrentRun(ctx context.Context, outcomeID string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT current_run_id FROM outcomes WHERE outcome_id = ?;`, outcomeID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query current run: %w", err)
	}
	return runID, nil
}

func (s *Store) UpsertScore(ctx context.Context, outcomeID, runID, taskID string, sc scoring.StrategicScore) error {
	reasoning, err := json.Marshal(sc.Reasoning)
	if err != nil {
		return fmt.Errorf("marshal reasoning: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO scores (outcome_id, run_id, task_id, impact, effort, confidence, priority, reasoning, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(outcome_id, run_id, task_id) DO UPDATE SET
			impact=excluded.impact,
			effort=excluded.effort,
			confidence=excluded.confidence,
			priority=excluded.priority,
			reasoning=excluded.reasoning,
			scored_at=excluded.scored_at;
	`, outcomeID, runID, taskID, sc.Impact, sc.Effort, sc.Confidence, sc.Priority, string(reasoning), sc.ScoredAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert score %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) LoadScores(ctx context.Context, outcomeID, runID string) (map[string]scoring.StrategicScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, impact, effort, confidence, priority, reasoning, scored_at
		FROM scores
		WHERE outcome_id = ? AND run_id = ?;
	`, outcomeID, runID)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	out := map[string]scoring.StrategicScore{}
	for rows.Next() {
		var (
			taskID    string
			sc        scoring.StrategicScore
			reasoning string
		)
		if err := rows.Scan(&taskID, &sc.Impact, &sc.Effort, &sc.Confidence, &sc.Priority, &reasoning, &sc.ScoredAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if err := json.Unmarshal([]byte(reasoning), &sc.Reasoning); err != nil {
			return nil, fmt.Errorf("decode reasoning for %s: %w", taskID, err)
		}
		out[taskID] = sc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scores rows: %w", err)
	}
	return out, nil
}
