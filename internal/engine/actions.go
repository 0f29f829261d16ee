package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/stratrank/internal/audit"
	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/movement"
	"github.com/basket/stratrank/internal/override"
	"github.com/basket/stratrank/internal/persistence"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/shared"
)

// ApplyOverride records a manual correction for a scored task and returns the
// merged score. A patch older than the stored override returns the stored
// merge together with shared.ErrPersistenceConflict. It holds the outcome
// lock so that a concurrent rerun cannot clear overrides between reading the
// base score and writing the correction.
func (e *Engine) ApplyOverride(ctx context.Context, outcomeID, taskID string, p override.Patch) (scoring.StrategicScore, error) {
	unlock := e.lockOutcome(outcomeID)
	defer unlock()

	rec, err := e.loadRun(ctx, outcomeID)
	if err != nil {
		return scoring.StrategicScore{}, err
	}
	if !rec.has(taskID) {
		return scoring.StrategicScore{}, notInRun(taskID)
	}
	base, err := e.cfg.Scores.Get(ctx, outcomeID, taskID)
	if err != nil {
		return scoring.StrategicScore{}, err
	}
	merged, err := e.cfg.Overrides.Apply(ctx, outcomeID, taskID, base, p)
	if err != nil {
		return merged, err
	}

	audit.Record("override.applied", outcomeID, taskID, describePatch(p), p.SessionID)
	e.cfg.Bus.Publish(bus.TopicOverrideChange, bus.OverrideEvent{
		OutcomeID: outcomeID,
		TaskID:    taskID,
		SessionID: p.SessionID,
	})
	e.logger.Info("override applied",
		"outcome_id", outcomeID, "task_id", taskID,
		"impact", merged.Impact, "effort", merged.Effort, "priority", merged.Priority)
	return merged, nil
}

// ClearOverride removes a task's manual correction.
func (e *Engine) ClearOverride(ctx context.Context, outcomeID, taskID, sessionID string) error {
	unlock := e.lockOutcome(outcomeID)
	defer unlock()

	if err := e.cfg.Overrides.Clear(ctx, outcomeID, taskID); err != nil {
		return err
	}
	audit.Record("override.cleared", outcomeID, taskID, "", sessionID)
	e.cfg.Bus.Publish(bus.TopicOverrideChange, bus.OverrideEvent{
		OutcomeID: outcomeID,
		TaskID:    taskID,
		SessionID: sessionID,
		Cleared:   true,
	})
	return nil
}

// ToggleComplete flips the task's completed flag. Completing a task also
// clears its discarded flag.
func (e *Engine) ToggleComplete(ctx context.Context, outcomeID, taskID, sessionID string) (persistence.TaskState, error) {
	return e.toggle(ctx, outcomeID, taskID, sessionID, func(st *persistence.TaskState, _ *movement.Annotation) string {
		st.Completed = !st.Completed
		if st.Completed {
			st.Discarded = false
			return string(movement.StateCompleted)
		}
		return string(movement.StateActive)
	})
}

// ToggleDiscard flips the task's discarded flag. A task brought back from
// discarded is reported as reintroduced by the next movement diff.
func (e *Engine) ToggleDiscard(ctx context.Context, outcomeID, taskID, reason, sessionID string) (persistence.TaskState, error) {
	return e.toggle(ctx, outcomeID, taskID, sessionID, func(st *persistence.TaskState, a *movement.Annotation) string {
		st.Discarded = !st.Discarded
		if st.Discarded {
			st.Completed = false
			a.RemovalReason = reason
			return string(movement.StateDiscarded)
		}
		a.State = movement.StateReintroduced
		return string(movement.StateReintroduced)
	})
}

func (e *Engine) toggle(ctx context.Context, outcomeID, taskID, sessionID string, flip func(*persistence.TaskState, *movement.Annotation) string) (persistence.TaskState, error) {
	unlock := e.lockOutcome(outcomeID)
	defer unlock()

	rec, err := e.loadRun(ctx, outcomeID)
	if err != nil {
		return persistence.TaskState{}, err
	}
	if !rec.has(taskID) {
		return persistence.TaskState{}, notInRun(taskID)
	}
	states, err := e.cfg.States.LoadTaskStates(ctx, outcomeID)
	if err != nil {
		return persistence.TaskState{}, fmt.Errorf("load task states: %w", err)
	}

	st := states[taskID]
	a := rec.Annotations[taskID]
	label := flip(&st, &a)
	if err := e.cfg.States.SetTaskState(ctx, outcomeID, taskID, st); err != nil {
		return persistence.TaskState{}, fmt.Errorf("save task state: %w", err)
	}
	rec.Annotations[taskID] = a
	if err := e.saveRun(ctx, outcomeID, rec); err != nil {
		return st, err
	}

	audit.Record("task."+label, outcomeID, taskID, a.RemovalReason, sessionID)
	e.cfg.Bus.Publish(bus.TopicTaskToggled, bus.TaskToggledEvent{
		OutcomeID: outcomeID,
		TaskID:    taskID,
		State:     label,
	})
	e.logger.Info("task state changed", "outcome_id", outcomeID, "task_id", taskID, "state", label)
	return st, nil
}

func notInRun(taskID string) error {
	return &shared.ValidationError{TaskID: taskID, Field: "task_id", Value: taskID, Reason: "not part of the current run"}
}

func describePatch(p override.Patch) string {
	var parts []string
	if p.Impact != nil {
		parts = append(parts, fmt.Sprintf("impact=%.2f", *p.Impact))
	}
	if p.Effort != nil {
		parts = append(parts, fmt.Sprintf("effort=%.2f", *p.Effort))
	}
	if p.Reason != nil {
		parts = append(parts, "reason="+*p.Reason)
	}
	return strings.Join(parts, " ")
}

// IsConflict reports whether err is a superseded override write.
func IsConflict(err error) bool {
	return errors.Is(err, shared.ErrPersistenceConflict)
}
