package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/stratrank/internal/deps"
	"github.com/basket/stratrank/internal/movement"
	"github.com/basket/stratrank/internal/persistence"
	"github.com/basket/stratrank/internal/ranking"
	"github.com/basket/stratrank/internal/scoring"
)

const (
	runKeyPrefix  = "engine:run:"
	prevKeyPrefix = "engine:prev:"
)

// runRecord is what a run was asked to rank. Scores live in the score store.
type runRecord struct {
	RunID       string                         `json:"run_id"`
	OutcomeText string                         `json:"outcome_text"`
	Tasks       []scoring.Task                 `json:"tasks"`
	Edges       []deps.Edge                    `json:"edges,omitempty"`
	History     map[string]float64             `json:"history,omitempty"`
	Annotations map[string]movement.Annotation `json:"annotations,omitempty"`
	Rejected    map[string]string              `json:"rejected,omitempty"`
	StartedAt   time.Time                      `json:"started_at"`
}

func (r runRecord) order() []string {
	ids := make([]string, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func (r runRecord) taskMap() map[string]scoring.Task {
	m := make(map[string]scoring.Task, len(r.Tasks))
	for _, t := range r.Tasks {
		m[t.ID] = t
	}
	return m
}

func (r runRecord) has(taskID string) bool {
	for _, t := range r.Tasks {
		if t.ID == taskID {
			return true
		}
	}
	return false
}

// previousRun is the Balanced view of the run a rerun replaced.
type previousRun struct {
	RunID      string             `json:"run_id"`
	Order      []string           `json:"order"`
	Confidence map[string]float64 `json:"confidence"`
}

func (e *Engine) saveRun(ctx context.Context, outcomeID string, rec runRecord) error {
	if err := e.putJSON(ctx, runKeyPrefix+outcomeID, rec); err != nil {
		return fmt.Errorf("save run record: %w", err)
	}
	return nil
}

// loadRun returns ErrNoRun when the outcome was never ranked.
func (e *Engine) loadRun(ctx context.Context, outcomeID string) (runRecord, error) {
	var rec runRecord
	found, err := e.getJSON(ctx, runKeyPrefix+outcomeID, &rec)
	if err != nil {
		return runRecord{}, fmt.Errorf("load run record: %w", err)
	}
	if !found {
		return runRecord{}, fmt.Errorf("outcome %s: %w", outcomeID, ErrNoRun)
	}
	if rec.Annotations == nil {
		rec.Annotations = map[string]movement.Annotation{}
	}
	return rec, nil
}

// savePrevious records the outgoing run's Balanced order. Outcomes without a
// run keep whatever was stored before.
func (e *Engine) savePrevious(ctx context.Context, outcomeID string) error {
	snap, err := e.build(ctx, outcomeID, ranking.Balanced)
	if err != nil {
		if isNoRun(err) {
			return nil
		}
		return err
	}
	prev := previousRun{
		RunID:      snap.RunID,
		Order:      ranking.IDs(snap.Entries),
		Confidence: make(map[string]float64, len(snap.Entries)),
	}
	for _, entry := range snap.Entries {
		prev.Confidence[entry.TaskID] = entry.Score.Confidence
	}
	return e.putJSON(ctx, prevKeyPrefix+outcomeID, prev)
}

func (e *Engine) loadPrevious(ctx context.Context, outcomeID string) (previousRun, error) {
	var prev previousRun
	if _, err := e.getJSON(ctx, prevKeyPrefix+outcomeID, &prev); err != nil {
		return previousRun{}, fmt.Errorf("load previous order: %w", err)
	}
	return prev, nil
}

func (e *Engine) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return e.cfg.KV.KVSet(ctx, key, string(data))
}

func (e *Engine) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := e.cfg.KV.KVGet(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV { return &memKV{m: map[string]string{}} }

func (k *memKV) KVSet(_ context.Context, key, val string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = val
	return nil
}

func (k *memKV) KVGet(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.m[key], nil
}

type memStates struct {
	mu sync.Mutex
	m  map[string]map[string]persistence.TaskState
}

func newMemStates() *memStates {
	return &memStates{m: map[string]map[string]persistence.TaskState{}}
}

func (s *memStates) SetTaskState(_ context.Context, outcomeID, taskID string, st persistence.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[outcomeID] == nil {
		s.m[outcomeID] = map[string]persistence.TaskState{}
	}
	if !st.Completed && !st.Discarded {
		delete(s.m[outcomeID], taskID)
		return nil
	}
	s.m[outcomeID][taskID] = st
	return nil
}

func (s *memStates) LoadTaskStates(_ context.Context, outcomeID string) (map[string]persistence.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]persistence.TaskState, len(s.m[outcomeID]))
	for k, v := range s.m[outcomeID] {
		out[k] = v
	}
	return out, nil
}
