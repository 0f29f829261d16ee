package scorestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/shared"
)

type memPersister struct {
	mu     sync.Mutex
	runs   map[string]string
	scores map[string]map[string]scoring.StrategicScore
	writes int
}

func newMemPersister() *memPersister {
	return &memPersister{runs: map[string]string{}, scores: map[string]map[string]scoring.StrategicScore{}}
}

func (p *memPersister) RecordRun(_ context.Context, outcomeID, runID string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs[outcomeID] = runID
	return nil
}

func (p *memPersister) CurrentRun(_ context.Context, outcomeID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[outcomeID], nil
}

func (p *memPersister) UpsertScore(_ context.Context, _, runID, taskID string, s scoring.StrategicScore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scores[runID] == nil {
		p.scores[runID] = map[string]scoring.StrategicScore{}
	}
	p.scores[runID][taskID] = s
	p.writes++
	return nil
}

func (p *memPersister) LoadScores(_ context.Context, _, runID string) (map[string]scoring.StrategicScore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]scoring.StrategicScore{}
	for k, v := range p.scores[runID] {
		out[k] = v
	}
	return out, nil
}

func at(sec int64, priority float64) scoring.StrategicScore {
	return scoring.StrategicScore{Impact: 5, Effort: 8, Confidence: 0.5, Priority: priority, ScoredAt: time.Unix(sec, 0)}
}

func TestStore_StaleRunRejected(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil, nil)
	if err := s.BeginRun(ctx, "o", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginRun(ctx, "o", "r2"); err != nil {
		t.Fatal(err)
	}
	applied, err := s.Merge(ctx, "o", "r1", "t", at(1, 10), SourceRetry)
	if applied || !errors.Is(err, shared.ErrStaleRun) {
		t.Fatalf("Merge stale = %v, %v", applied, err)
	}
	if _, err := s.Get(ctx, "o", "t"); !errors.Is(err, shared.ErrNotScored) {
		t.Fatalf("stale write visible: %v", err)
	}
}

func TestStore_LastWriteWinsByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil, nil)
	_ = s.BeginRun(ctx, "o", "r")

	if ok, err := s.Merge(ctx, "o", "r", "t", at(10, 50), SourceBatch); !ok || err != nil {
		t.Fatalf("first merge = %v, %v", ok, err)
	}
	if ok, _ := s.Merge(ctx, "o", "r", "t", at(5, 20), SourceRetry); ok {
		t.Fatal("older write applied")
	}
	if ok, _ := s.Merge(ctx, "o", "r", "other", at(1, 5), SourceBatch); !ok {
		t.Fatal("merge of a different task must not be blocked")
	}
	got, _ := s.Get(ctx, "o", "t")
	if got.Priority != 50 {
		t.Fatalf("priority = %v, want 50", got.Priority)
	}
	_, snap, _ := s.Snapshot(ctx, "o")
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries", len(snap))
	}
}

func TestStore_BeginRunClearsBoard(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil, nil)
	_ = s.BeginRun(ctx, "o", "r1")
	_, _ = s.Merge(ctx, "o", "r1", "t", at(1, 10), SourceBatch)
	_ = s.BeginRun(ctx, "o", "r2")
	run, snap, _ := s.Snapshot(ctx, "o")
	if run != "r2" || len(snap) != 0 {
		t.Fatalf("snapshot = %s %v", run, snap)
	}
	if !s.IsCurrent(ctx, "o", "r2") || s.IsCurrent(ctx, "o", "r1") {
		t.Fatal("IsCurrent mismatch")
	}
}

func TestStore_ReloadsFromPersister(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	first := New(p, nil, nil)
	_ = first.BeginRun(ctx, "o", "r1")
	_, _ = first.Merge(ctx, "o", "r1", "t", at(1, 42), SourceBatch)

	second := New(p, nil, nil)
	run, snap, err := second.Snapshot(ctx, "o")
	if err != nil {
		t.Fatal(err)
	}
	if run != "r1" || snap["t"].Priority != 42 {
		t.Fatalf("reloaded = %s %+v", run, snap)
	}
	if p.writes != 1 {
		t.Fatalf("writes = %d", p.writes)
	}
}

func TestStore_PublishesScoreUpdated(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	sub := b.Subscribe(bus.TopicScoreUpdated)
	defer b.Unsubscribe(sub)

	s := New(nil, b, nil)
	_ = s.BeginRun(ctx, "o", "r")
	_, _ = s.Merge(ctx, "o", "r", "t", at(1, 7), SourceRetry)

	select {
	case ev := <-sub.Ch():
		got := ev.Payload.(bus.ScoreUpdatedEvent)
		if got.TaskID != "t" || got.Source != SourceRetry || got.Priority != 7 {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for score event")
	}
}
