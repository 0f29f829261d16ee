// Package scorestore is the shared per-outcome score board. Every writer
// (initial batch, retry workers) merges by task id under the current run;
// writes tagged with a superseded run are refused.
package scorestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/shared"
)

// Persister is the durable side of the store. Upserts must be idempotent.
type Persister interface {
	RecordRun(ctx context.Context, outcomeID, runID string, startedAt time.Time) error
	CurrentRun(ctx context.Context, outcomeID string) (string, error)
	UpsertScore(ctx context.Context, outcomeID, runID, taskID string, s scoring.StrategicScore) error
	LoadScores(ctx context.Context, outcomeID, runID string) (map[string]scoring.StrategicScore, error)
}

// Write sources reported on the bus.
const (
	SourceBatch = "batch"
	SourceRetry = "retry"
)

type board struct {
	runID  string
	scores map[string]scoring.StrategicScore
}

// Store is safe for concurrent use.
type Store struct {
	persister Persister
	bus       *bus.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	boards map[string]*board
}

// New returns a store. persister and eventBus may be nil.
func New(persister Persister, eventBus *bus.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		persister: persister,
		bus:       eventBus,
		logger:    logger,
		now:       time.Now,
		boards:    map[string]*board{},
	}
}

// BeginRun makes runID the current run for the outcome and discards the
// previous run's scores.
func (s *Store) BeginRun(ctx context.Context, outcomeID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persister != nil {
		if err := s.persister.RecordRun(ctx, outcomeID, runID, s.now()); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}
	s.boards[outcomeID] = &board{runID: runID, scores: map[string]scoring.StrategicScore{}}
	return nil
}

// CurrentRun returns the outcome's current run id, or "" if none.
func (s *Store) CurrentRun(ctx context.Context, outcomeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.loadLocked(ctx, outcomeID)
	if err != nil {
		return "", err
	}
	return b.runID, nil
}

// IsCurrent reports whether runID is the outcome's current run.
func (s *Store) IsCurrent(ctx context.Context, outcomeID, runID string) bool {
	cur, err := s.CurrentRun(ctx, outcomeID)
	return err == nil && cur != "" && cur == runID
}

// Merge writes one task's score. It returns ErrStaleRun when runID is not the
// current run. A score older than the stored one is ignored (applied=false).
func (s *Store) Merge(ctx context.Context, outcomeID, runID, taskID string, score scoring.StrategicScore, source string) (bool, error) {
	s.mu.Lock()
	b, err := s.loadLocked(ctx, outcomeID)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if b.runID == "" || b.runID != runID {
		current := b.runID
		s.mu.Unlock()
		return false, fmt.Errorf("merge %s into run %s (current %q): %w", taskID, runID, current, shared.ErrStaleRun)
	}
	if prev, ok := b.scores[taskID]; ok && score.ScoredAt.Before(prev.ScoredAt) {
		s.mu.Unlock()
		s.logger.Debug("older score ignored", "outcome_id", outcomeID, "task_id", taskID)
		return false, nil
	}
	if s.persister != nil {
		if err := s.persister.UpsertScore(ctx, outcomeID, runID, taskID, score); err != nil {
			s.mu.Unlock()
			return false, fmt.Errorf("persist score: %w", err)
		}
	}
	b.scores[taskID] = score
	s.mu.Unlock()

	s.bus.Publish(bus.TopicScoreUpdated, bus.ScoreUpdatedEvent{
		OutcomeID: outcomeID,
		RunID:     runID,
		TaskID:    taskID,
		Priority:  score.Priority,
		Source:    source,
	})
	return true, nil
}

// Snapshot returns the current run id and a copy of its scores.
func (s *Store) Snapshot(ctx context.Context, outcomeID string) (string, map[string]scoring.StrategicScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.loadLocked(ctx, outcomeID)
	if err != nil {
		return "", nil, err
	}
	out := make(map[string]scoring.StrategicScore, len(b.scores))
	for id, sc := range b.scores {
		out[id] = sc
	}
	return b.runID, out, nil
}

// Get returns one score from the current run.
func (s *Store) Get(ctx context.Context, outcomeID, taskID string) (scoring.StrategicScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.loadLocked(ctx, outcomeID)
	if err != nil {
		return scoring.StrategicScore{}, err
	}
	sc, ok := b.scores[taskID]
	if !ok {
		return scoring.StrategicScore{}, fmt.Errorf("task %s: %w", taskID, shared.ErrNotScored)
	}
	return sc, nil
}

func (s *Store) loadLocked(ctx context.Context, outcomeID string) (*board, error) {
	if b, ok := s.boards[outcomeID]; ok {
		return b, nil
	}
	b := &board{scores: map[string]scoring.StrategicScore{}}
	if s.persister != nil {
		runID, err := s.persister.CurrentRun(ctx, outcomeID)
		if err != nil {
			return nil, fmt.Errorf("load current run: %w", err)
		}
		if runID != "" {
			scores, err := s.persister.LoadScores(ctx, outcomeID, runID)
			if err != nil {
				return nil, fmt.Errorf("load scores: %w", err)
			}
			b.runID = runID
			b.scores = scores
		}
	}
	s.boards[outcomeID] = b
	return b, nil
}
