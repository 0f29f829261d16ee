package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/deps"
	"github.com/basket/stratrank/internal/movement"
	"github.com/basket/stratrank/internal/override"
	"github.com/basket/stratrank/internal/persistence"
	"github.com/basket/stratrank/internal/ranking"
	"github.com/basket/stratrank/internal/retry"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/scorestore"
	"github.com/basket/stratrank/internal/shared"
)

// tableEstimator answers from a fixed impact table. Ids in fail return an
// error until their remaining failure count reaches zero; -1 fails forever.
type tableEstimator struct {
	mu      sync.Mutex
	impacts map[string]float64
	fail    map[string]int
}

func (e *tableEstimator) Estimate(_ context.Context, task scoring.Task, _ string) (scoring.Estimate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.fail[task.ID]; ok && n != 0 {
		if n > 0 {
			e.fail[task.ID] = n - 1
		}
		return scoring.Estimate{}, errors.New("503 service unavailable")
	}
	return scoring.Estimate{Impact: e.impacts[task.ID], Confidence: 0.5}, nil
}

type harness struct {
	engine *Engine
	store  *persistence.Store
	queue  *retry.Queue
	bus    *bus.Bus
}

func newHarness(t *testing.T, dbPath string, est scoring.Estimator, rc retry.Config) *harness {
	t.Helper()
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	scores := scorestore.New(store, b, nil)
	svc := scoring.NewService(est, scoring.Config{})
	if rc.BaseDelay == 0 {
		rc.BaseDelay = time.Millisecond
	}
	rc.Store = store
	rc.Bus = b
	q := retry.NewQueue(svc, scores, rc)
	svc.SetSink(q)

	eng, err := New(Config{
		Scorer:    svc,
		Queue:     q,
		Scores:    scores,
		Overrides: override.NewManager(store, nil),
		KV:        store,
		States:    store,
		Bus:       b,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Close)
	return &harness{engine: eng, store: store, queue: q, bus: b}
}

func threeTasks() []scoring.Task {
	return []scoring.Task{
		{ID: "a", Text: "Task alpha"},
		{ID: "b", Text: "Task bravo"},
		{ID: "c", Text: "Task charlie"},
	}
}

func abcEstimator() *tableEstimator {
	return &tableEstimator{impacts: map[string]float64{"a": 9, "b": 3, "c": 6}, fail: map[string]int{}}
}

func rerun(t *testing.T, h *harness, tasks []scoring.Task, edges []deps.Edge) Snapshot {
	t.Helper()
	snap, err := h.engine.TriggerRerun(context.Background(), RunRequest{
		OutcomeID:   "o1",
		OutcomeText: "Grow revenue",
		Tasks:       tasks,
		Edges:       edges,
	})
	if err != nil {
		t.Fatalf("TriggerRerun: %v", err)
	}
	return snap
}

func waitQueue(t *testing.T, q *retry.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("queue wait: %v", err)
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTriggerRerun_FirstRun(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	snap := rerun(t, h, threeTasks(), nil)

	if snap.RunID == "" {
		t.Fatal("expected run id")
	}
	if got := ranking.IDs(snap.Entries); !equalIDs(got, []string{"a", "c", "b"}) {
		t.Fatalf("balanced order = %v", got)
	}
	if math.Abs(snap.Entries[0].Score.Priority-45) > 1e-9 {
		t.Fatalf("priority of a = %v, want 45", snap.Entries[0].Score.Priority)
	}
	for _, id := range []string{"a", "b", "c"} {
		if snap.Movement[id].Kind != movement.New {
			t.Fatalf("movement[%s] = %v, want new", id, snap.Movement[id])
		}
	}
	if !equalIDs(snap.Highlights, []string{"a", "b", "c"}) {
		t.Fatalf("highlights = %v", snap.Highlights)
	}
	if len(snap.Clusters) == 0 {
		t.Fatal("expected clusters")
	}
	if len(snap.Pending) != 0 || len(snap.Unavailable) != 0 {
		t.Fatalf("pending=%v unavailable=%v", snap.Pending, snap.Unavailable)
	}
}

func TestTriggerRerun_RequiresOutcome(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	_, err := h.engine.TriggerRerun(context.Background(), RunRequest{Tasks: threeTasks()})
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTriggerRerun_DependenciesAndStrategy(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	rerun(t, h, threeTasks(), []deps.Edge{
		{Source: "a", Target: "b", Relationship: deps.Prerequisite, Confidence: 0.9},
		{Source: "b", Target: "a", Relationship: deps.Prerequisite, Confidence: 0.9},
	})

	snap, err := h.engine.Snapshot(context.Background(), "o1", ranking.StrategicBets)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.Resolution.Cyclic {
		t.Fatal("expected cyclic resolution")
	}
	if snap.Strategy != ranking.StrategicBets {
		t.Fatalf("strategy = %s", snap.Strategy)
	}
	// Effort 8 never qualifies as a strategic bet.
	if len(snap.Entries) != 0 {
		t.Fatalf("entries = %v", ranking.IDs(snap.Entries))
	}
}

func TestApplyOverride(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	rerun(t, h, threeTasks(), nil)
	ctx := context.Background()

	impact := 10.0
	merged, err := h.engine.ApplyOverride(ctx, "o1", "b", override.Patch{Impact: &impact})
	if err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	if math.Abs(merged.Priority-50) > 1e-9 {
		t.Fatalf("merged priority = %v, want 50", merged.Priority)
	}

	snap, err := h.engine.Snapshot(ctx, "o1", "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := ranking.IDs(snap.Entries); !equalIDs(got, []string{"b", "a", "c"}) {
		t.Fatalf("order after override = %v", got)
	}
	if snap.Movement["b"].Kind != movement.Manual {
		t.Fatalf("movement[b] = %v, want manual", snap.Movement["b"])
	}
	if _, ok := snap.Overrides["b"]; !ok {
		t.Fatal("expected override in snapshot")
	}

	if _, err := h.engine.ApplyOverride(ctx, "o1", "missing", override.Patch{Impact: &impact}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for a task outside the run, got %v", err)
	}
	if _, err := h.engine.ApplyOverride(ctx, "o2", "b", override.Patch{Impact: &impact}); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun, got %v", err)
	}

	if err := h.engine.ClearOverride(ctx, "o1", "b", ""); err != nil {
		t.Fatalf("ClearOverride: %v", err)
	}
	snap, _ = h.engine.Snapshot(ctx, "o1", "")
	if got := ranking.IDs(snap.Entries); !equalIDs(got, []string{"a", "c", "b"}) {
		t.Fatalf("order after clear = %v", got)
	}
}

func TestApplyOverride_WaitsForRunningRerun(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	rerun(t, h, threeTasks(), nil)
	ctx := context.Background()

	// Holding the outcome lock stands in for a rerun between ClearAll and BeginRun.
	unlock := h.engine.lockOutcome("o1")
	done := make(chan error, 1)
	go func() {
		impact := 10.0
		_, err := h.engine.ApplyOverride(ctx, "o1", "b", override.Patch{Impact: &impact})
		done <- err
	}()

	select {
	case err := <-done:
		unlock()
		t.Fatalf("ApplyOverride finished while a rerun held the outcome: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ApplyOverride: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ApplyOverride did not finish after the rerun released the outcome")
	}
}

func TestApplyOverride_StaleWriteConflicts(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	rerun(t, h, threeTasks(), nil)
	ctx := context.Background()

	now := time.Now()
	newer, older := 2.0, 9.0
	if _, err := h.engine.ApplyOverride(ctx, "o1", "a", override.Patch{Impact: &newer, Timestamp: now}); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	merged, err := h.engine.ApplyOverride(ctx, "o1", "a", override.Patch{Impact: &older, Timestamp: now.Add(-time.Minute)})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if merged.Impact != 2 {
		t.Fatalf("merged impact = %v, want stored 2", merged.Impact)
	}
}

func TestRerun_ClearsOverridesAndDiffsAgainstPrevious(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	first := rerun(t, h, threeTasks(), nil)
	ctx := context.Background()

	impact := 10.0
	if _, err := h.engine.ApplyOverride(ctx, "o1", "b", override.Patch{Impact: &impact}); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}

	second := rerun(t, h, threeTasks(), nil)
	if second.RunID == first.RunID {
		t.Fatal("expected a new run id")
	}
	if len(second.Overrides) != 0 {
		t.Fatalf("overrides survived rerun: %v", second.Overrides)
	}
	// Previous displayed order was b, a, c.
	want := map[string]movement.Kind{"a": movement.Up, "c": movement.Up, "b": movement.Down}
	for id, kind := range want {
		if second.Movement[id].Kind != kind {
			t.Errorf("movement[%s] = %v, want %s", id, second.Movement[id], kind)
		}
	}
}

func TestToggles(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	rerun(t, h, threeTasks(), nil)
	ctx := context.Background()

	sub := h.bus.Subscribe(bus.TopicTaskToggled)
	defer h.bus.Unsubscribe(sub)

	st, err := h.engine.ToggleComplete(ctx, "o1", "b", "")
	if err != nil || !st.Completed {
		t.Fatalf("ToggleComplete = %+v, %v", st, err)
	}
	if _, err := h.engine.ToggleDiscard(ctx, "o1", "c", "out of scope", ""); err != nil {
		t.Fatalf("ToggleDiscard: %v", err)
	}

	snap, err := h.engine.Snapshot(ctx, "o1", "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !equalIDs(ranking.IDs(snap.Entries), []string{"a"}) {
		t.Fatalf("active entries = %v", ranking.IDs(snap.Entries))
	}
	if !equalIDs(snap.Completed, []string{"b"}) || !equalIDs(snap.Discarded, []string{"c"}) {
		t.Fatalf("completed=%v discarded=%v", snap.Completed, snap.Discarded)
	}

	if _, err := h.engine.ToggleDiscard(ctx, "o1", "c", "", ""); err != nil {
		t.Fatalf("ToggleDiscard back: %v", err)
	}
	snap, _ = h.engine.Snapshot(ctx, "o1", "")
	if snap.Movement["c"].Kind != movement.Reintroduced {
		t.Fatalf("movement[c] = %v, want reintroduced", snap.Movement["c"])
	}

	select {
	case ev := <-sub.Ch():
		toggled := ev.Payload.(bus.TaskToggledEvent)
		if toggled.TaskID != "b" || toggled.State != string(movement.StateCompleted) {
			t.Fatalf("first toggle event = %+v", toggled)
		}
	case <-time.After(time.Second):
		t.Fatal("expected toggle event")
	}

	if _, err := h.engine.ToggleComplete(ctx, "o1", "nope", ""); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for unknown task, got %v", err)
	}
}

func TestRetryRepairsFailedEstimate(t *testing.T) {
	est := abcEstimator()
	est.fail["c"] = 1
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), est, retry.Config{BaseDelay: 200 * time.Millisecond})

	snap := rerun(t, h, threeTasks(), nil)
	if !equalIDs(snap.Pending, []string{"c"}) {
		t.Fatalf("pending = %v", snap.Pending)
	}
	if !equalIDs(ranking.IDs(snap.Entries), []string{"a", "b"}) {
		t.Fatalf("entries before retry = %v", ranking.IDs(snap.Entries))
	}

	waitQueue(t, h.queue)
	snap, err := h.engine.Snapshot(context.Background(), "o1", "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !equalIDs(ranking.IDs(snap.Entries), []string{"a", "c", "b"}) {
		t.Fatalf("entries after retry = %v", ranking.IDs(snap.Entries))
	}
	if len(snap.Pending) != 0 || len(snap.Jobs) != 0 {
		t.Fatalf("pending=%v jobs=%v", snap.Pending, snap.Jobs)
	}
}

func TestExhaustedTaskIsUnavailable(t *testing.T) {
	est := abcEstimator()
	est.fail["c"] = -1
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), est, retry.Config{MaxAttempts: 1})

	rerun(t, h, threeTasks(), nil)
	waitQueue(t, h.queue)

	snap, err := h.engine.Snapshot(context.Background(), "o1", "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !equalIDs(snap.Unavailable, []string{"c"}) {
		t.Fatalf("unavailable = %v", snap.Unavailable)
	}
	if len(snap.Jobs) != 1 || !snap.Jobs[0].Exhausted() {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}
	impact := 9.0
	if _, err := h.engine.ApplyOverride(context.Background(), "o1", "c", override.Patch{Impact: &impact}); !errors.Is(err, shared.ErrNotScored) {
		t.Fatalf("override on an unscored task: expected ErrNotScored, got %v", err)
	}

	// A new run cancels the exhausted job and tries again.
	est.mu.Lock()
	est.fail["c"] = 0
	est.mu.Unlock()
	snap = rerun(t, h, threeTasks(), nil)
	if len(snap.Unavailable) != 0 || len(snap.Entries) != 3 {
		t.Fatalf("after rerun unavailable=%v entries=%v", snap.Unavailable, ranking.IDs(snap.Entries))
	}
}

func TestSnapshot_NoRun(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	if _, err := h.engine.Snapshot(context.Background(), "unknown", ""); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun, got %v", err)
	}
}

func TestSnapshot_SurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	h := newHarness(t, dbPath, abcEstimator(), retry.Config{})
	first := rerun(t, h, threeTasks(), nil)
	if _, err := h.engine.ToggleComplete(context.Background(), "o1", "a", ""); err != nil {
		t.Fatalf("ToggleComplete: %v", err)
	}
	h.engine.Close()
	_ = h.store.Close()

	h2 := newHarness(t, dbPath, abcEstimator(), retry.Config{})
	if err := h2.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap, err := h2.engine.Snapshot(context.Background(), "o1", "")
	if err != nil {
		t.Fatalf("Snapshot after restart: %v", err)
	}
	if snap.RunID != first.RunID {
		t.Fatalf("run id = %s, want %s", snap.RunID, first.RunID)
	}
	if !equalIDs(ranking.IDs(snap.Entries), []string{"c", "b"}) {
		t.Fatalf("entries after restart = %v", ranking.IDs(snap.Entries))
	}
}

func TestAttachAndFlash(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "engine.db"), abcEstimator(), retry.Config{})
	now := time.Now()
	h.engine.cfg.Now = func() time.Time { return now }
	rerun(t, h, threeTasks(), nil)
	ctx := context.Background()

	snap, sub, err := h.engine.Attach(ctx, "o1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer h.engine.Detach(sub)
	if len(snap.Highlights) != 3 {
		t.Fatalf("highlights = %v", snap.Highlights)
	}

	impact := 1.0
	if _, err := h.engine.ApplyOverride(ctx, "o1", "a", override.Patch{Impact: &impact}); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicOverrideChange {
			t.Fatalf("topic = %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected override event")
	}

	now = now.Add(movement.DefaultHighlightWindow + time.Second)
	snap, _ = h.engine.Snapshot(ctx, "o1", "")
	if len(snap.Highlights) != 0 {
		t.Fatalf("highlights after window = %v", snap.Highlights)
	}
	if got := h.engine.FlashHighlights("o1"); len(got) != 3 {
		t.Fatalf("flashed = %v", got)
	}
}
