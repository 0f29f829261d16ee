package persistence

import (
	"context"
	"fmt"
)

// TaskState is the user-controlled lifecycle flags of one task.
type TaskState struct {
	Completed bool
	Discarded bool
}

// SetTaskState stores the flags for a task. A task with neither flag set is
// removed.
func (s *Store) SetTaskState(ctx context.Context, outcomeID, taskID string, st TaskState) error {
	var err error
	if !st.Completed && !st.Discarded {
		_, err = s.exec(ctx, `DELETE FROM task_states WHERE outcome_id = ? AND task_id = ?;`, outcomeID, taskID)
	} else {
		_, err = s.exec(ctx, `
			INSERT INTO task_states (outcome_id, task_id, completed, discarded, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(outcome_id, task_id) DO UPDATE SET
				completed=excluded.completed,
				discarded=excluded.discarded,
				updated_at=excluded.updated_at;
		`, outcomeID, taskID, st.Completed, st.Discarded, s.now().UTC())
	}
	if err != nil {
		return fmt.Errorf("set task state %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) LoadTaskStates(ctx context.Context, outcomeID string) (map[string]TaskState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, completed, discarded FROM task_states WHERE outcome_id = ?;
	`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("query task states: %w", err)
	}
	defer rows.Close()

	out := map[string]TaskState{}
	for rows.Next() {
		var id string
		var st TaskState
		if err := rows.Scan(&id, &st.Completed, &st.Discarded); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task states rows: %w", err)
	}
	return out, nil
}
