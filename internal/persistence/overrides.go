package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/stratrank/internal/override"
)

var _ override.Store = (*Store)(nil)

func (s *Store) LoadOverrides(ctx context.Context, outcomeID string) ([]override.ManualOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, impact, effort, reason, session_id, updated_at
		FROM manual_overrides
		WHERE outcome_id = ?
		ORDER BY task_id;
	`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	var out []override.ManualOverride
	for rows.Next() {
		var (
			ov             override.ManualOverride
			impact, effort sql.NullFloat64
		)
		if err := rows.Scan(&ov.TaskID, &impact, &effort, &ov.Reason, &ov.SessionID, &ov.Timestamp); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		if impact.Valid {
			ov.Impact = &impact.Float64
		}
		if effort.Valid {
			ov.Effort = &effort.Float64
		}
		out = append(out, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("overrides rows: %w", err)
	}
	return out, nil
}

// UpsertOverride writes ov unless the stored row is newer.
func (s *Store) UpsertOverride(ctx context.Context, outcomeID string, ov override.ManualOverride) error {
	_, err := s.exec(ctx, `
		INSERT INTO manual_overrides (outcome_id, task_id, impact, effort, reason, session_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(outcome_id, task_id) DO UPDATE SET
			impact=excluded.impact,
			effort=excluded.effort,
			reason=excluded.reason,
			session_id=excluded.session_id,
			updated_at=excluded.updated_at
		WHERE excluded.updated_at >= manual_overrides.updated_at;
	`, outcomeID, ov.TaskID, nullFloat(ov.Impact), nullFloat(ov.Effort), ov.Reason, ov.SessionID, ov.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("upsert override %s: %w", ov.TaskID, err)
	}
	return nil
}

func (s *Store) DeleteOverride(ctx context.Context, outcomeID, taskID string) error {
	if _, err := s.exec(ctx, `DELETE FROM manual_overrides WHERE outcome_id = ? AND task_id = ?;`, outcomeID, taskID); err != nil {
		return fmt.Errorf("delete override %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) DeleteOverrides(ctx context.Context, outcomeID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM manual_overrides WHERE outcome_id = ?;`, outcomeID)
	if err != nil {
		return 0, fmt.Errorf("delete overrides: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
