package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/basket/stratrank/internal/deps"
	"github.com/basket/stratrank/internal/movement"
	"github.com/basket/stratrank/internal/override"
	"github.com/basket/stratrank/internal/quadrant"
	"github.com/basket/stratrank/internal/ranking"
	"github.com/basket/stratrank/internal/retry"
)

// Snapshot is an immutable view of one outcome. Callers may keep it; nothing
// in it is shared with the engine.
type Snapshot struct {
	OutcomeID   string                             `json:"outcome_id"`
	OutcomeText string                             `json:"outcome_text,omitempty"`
	RunID       string                             `json:"run_id"`
	Strategy    ranking.Strategy                   `json:"strategy"`
	Resolution  deps.Resolution                    `json:"resolution"`
	Entries     []ranking.Entry                    `json:"entries"`
	Unavailable []string                           `json:"unavailable,omitempty"` // retries exhausted: "scores unavailable"
	Pending     []string                           `json:"pending,omitempty"`     // awaiting a retry
	Rejected    map[string]string                  `json:"rejected,omitempty"`
	Completed   []string                           `json:"completed,omitempty"`
	Discarded   []string                           `json:"discarded,omitempty"`
	Overrides   map[string]override.ManualOverride `json:"overrides,omitempty"`
	Movement    map[string]movement.Record         `json:"movement"`
	Highlights  []string                           `json:"highlights,omitempty"`
	Clusters    []quadrant.Group                   `json:"clusters"`
	Jobs        []retry.Job                        `json:"jobs,omitempty"`
	TakenAt     time.Time                          `json:"taken_at"`
}

func isNoRun(err error) bool { return errors.Is(err, ErrNoRun) }

// build assembles a snapshot without touching the highlight state.
func (e *Engine) build(ctx context.Context, outcomeID string, strategy ranking.Strategy) (Snapshot, error) {
	rec, err := e.loadRun(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, err
	}
	runID, scores, err := e.cfg.Scores.Snapshot(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load scores: %w", err)
	}
	if runID != rec.RunID {
		e.logger.Warn("run record and score store disagree",
			"outcome_id", outcomeID, "record_run_id", rec.RunID, "store_run_id", runID)
	}
	effective, err := e.cfg.Overrides.Effective(ctx, outcomeID, scores)
	if err != nil {
		return Snapshot{}, fmt.Errorf("apply overrides: %w", err)
	}
	overrides, err := e.cfg.Overrides.List(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list overrides: %w", err)
	}
	states, err := e.cfg.States.LoadTaskStates(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load task states: %w", err)
	}
	prev, err := e.loadPrevious(ctx, outcomeID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		OutcomeID:   outcomeID,
		OutcomeText: rec.OutcomeText,
		RunID:       runID,
		Strategy:    strategy,
		Resolution:  deps.Resolve(rec.order(), rec.Edges),
		Rejected:    rec.Rejected,
		Overrides:   make(map[string]override.ManualOverride, len(overrides)),
		Jobs:        e.cfg.Queue.Snapshot(outcomeID),
		TakenAt:     e.cfg.Now().UTC(),
	}
	for _, ov := range overrides {
		snap.Overrides[ov.TaskID] = ov
	}

	active := make([]string, 0, len(snap.Resolution.Order))
	for _, id := range snap.Resolution.Order {
		st := states[id]
		switch {
		case st.Completed:
			snap.Completed = append(snap.Completed, id)
		case st.Discarded:
			snap.Discarded = append(snap.Discarded, id)
		default:
			active = append(active, id)
		}
	}

	excluded := e.cfg.Queue.Excluded(outcomeID)
	for _, id := range active {
		if _, scored := effective[id]; scored {
			continue
		}
		if _, rejected := rec.Rejected[id]; rejected {
			continue
		}
		if excluded[id] {
			snap.Unavailable = append(snap.Unavailable, id)
		} else {
			snap.Pending = append(snap.Pending, id)
		}
	}

	in := ranking.Input{
		Order:    active,
		Tasks:    rec.taskMap(),
		Scores:   effective,
		Excluded: excluded,
	}
	snap.Entries = ranking.Rank(strategy, in)
	balanced := snap.Entries
	if strategy != ranking.Balanced {
		balanced = ranking.Rank(ranking.Balanced, in)
	}

	annotations := make(map[string]movement.Annotation, len(rec.Tasks))
	for _, t := range rec.Tasks {
		a := rec.Annotations[t.ID]
		if a.State == "" {
			a.State = movement.StateActive
		}
		if _, ok := snap.Overrides[t.ID]; ok {
			a.ManualOverride = true
		}
		if a.ConfidenceDelta == 0 {
			if before, ok := prev.Confidence[t.ID]; ok {
				if cur, ok := effective[t.ID]; ok {
					a.ConfidenceDelta = cur.Confidence - before
				}
			}
		}
		annotations[t.ID] = a
	}
	snap.Movement = movement.Diff(prev.Order, ranking.IDs(balanced), annotations)

	points := make([]quadrant.Point, 0, len(snap.Entries))
	for _, entry := range snap.Entries {
		points = append(points, quadrant.Point{
			TaskID: entry.TaskID,
			Impact: entry.Score.Impact,
			Effort: entry.Score.Effort,
		})
	}
	snap.Clusters = quadrant.Cluster(points)

	sort.Strings(snap.Completed)
	sort.Strings(snap.Discarded)
	return snap, nil
}
