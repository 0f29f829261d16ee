package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/stratrank/internal/retry"
)

var _ retry.JobStore = (*Store)(nil)

func (s *Store) UpsertJob(ctx context.Context, job retry.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO retry_jobs (outcome_id, run_id, task_id, status, attempts, max_attempts, next_attempt_at, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(outcome_id, run_id, task_id) DO UPDATE SET
			status=excluded.status,
			attempts=excluded.attempts,
			max_attempts=excluded.max_attempts,
			next_attempt_at=excluded.next_attempt_at,
			payload=excluded.payload,
			updated_at=excluded.updated_at;
	`, job.OutcomeID, job.RunID, job.TaskID, string(job.Status), job.Attempts, job.MaxAttempts,
		job.NextAttemptAt.UTC(), string(payload), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert retry job %s: %w", job.TaskID, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, outcomeID, runID, taskID string) error {
	_, err := s.exec(ctx, `
		DELETE FROM retry_jobs WHERE outcome_id = ? AND run_id = ? AND task_id = ?;
	`, outcomeID, runID, taskID)
	if err != nil {
		return fmt.Errorf("delete retry job %s: %w", taskID, err)
	}
	return nil
}

// DeleteOutcomeJobs removes the jobs of outcomeID that belong to any run other
// than keepRunID.
func (s *Store) DeleteOutcomeJobs(ctx context.Context, outcomeID, keepRunID string) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM retry_jobs WHERE outcome_id = ? AND run_id != ?;
	`, outcomeID, keepRunID)
	if err != nil {
		return 0, fmt.Errorf("delete outcome retry jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) LoadJobs(ctx context.Context) ([]retry.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM retry_jobs ORDER BY outcome_id, run_id, task_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query retry jobs: %w", err)
	}
	defer rows.Close()

	var out []retry.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan retry job: %w", err)
		}
		var job retry.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("decode retry job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("retry jobs rows: %w", err)
	}
	return out, nil
}
