package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/scorestore"
	"github.com/basket/stratrank/internal/shared"
)

// fakeScorer fails the first failN calls per task, then succeeds.
type fakeScorer struct {
	mu     sync.Mutex
	failN  int
	calls  map[string]int
	block  bool
	active atomic.Int32
	peak   atomic.Int32
}

func newFakeScorer(failN int) *fakeScorer {
	return &fakeScorer{failN: failN, calls: map[string]int{}}
}

func (f *fakeScorer) ScoreOne(ctx context.Context, task scoring.Task, _ scoring.OutcomeContext, attempt int) (scoring.StrategicScore, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[task.ID]++
	calls := f.calls[task.ID]
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return scoring.StrategicScore{}, ctx.Err()
	}
	time.Sleep(2 * time.Millisecond)
	if calls <= f.failN {
		return scoring.StrategicScore{}, shared.NewEstimationError(task.ID, attempt, errors.New("503 unavailable"))
	}
	return scoring.NewScore(6, 8, 0.5, scoring.Reasoning{EffortSource: scoring.EffortSourceHeuristic}, time.Now()), nil
}

func (f *fakeScorer) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type memJobStore struct {
	mu   sync.Mutex
	jobs map[jobKey]Job
}

func newMemJobStore() *memJobStore { return &memJobStore{jobs: map[jobKey]Job{}} }

func (s *memJobStore) UpsertJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobKey{job.OutcomeID, job.RunID, job.TaskID}] = job
	return nil
}

func (s *memJobStore) DeleteJob(_ context.Context, outcomeID, runID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobKey{outcomeID, runID, taskID})
	return nil
}

func (s *memJobStore) DeleteOutcomeJobs(_ context.Context, outcomeID, keepRunID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.jobs {
		if k.outcome == outcomeID && k.run != keepRunID {
			delete(s.jobs, k)
			n++
		}
	}
	return n, nil
}

func (s *memJobStore) LoadJobs(_ context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *memJobStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type harness struct {
	queue  *Queue
	scores *scorestore.Store
	bus    *bus.Bus
	jobs   *memJobStore
	scorer *fakeScorer
}

func newHarness(t *testing.T, failN int, concurrency int) *harness {
	t.Helper()
	b := bus.New()
	store := scorestore.New(nil, b, nil)
	scorer := newFakeScorer(failN)
	jobs := newMemJobStore()
	q := NewQueue(scorer, store, Config{
		BaseDelay:   time.Millisecond,
		Concurrency: concurrency,
		Store:       jobs,
		Bus:         b,
	})
	t.Cleanup(q.Close)
	return &harness{queue: q, scores: store, bus: b, jobs: jobs, scorer: scorer}
}

func (h *harness) begin(t *testing.T, outcome, run string) scoring.OutcomeContext {
	t.Helper()
	ctx := context.Background()
	h.queue.Invalidate(ctx, outcome, run)
	if err := h.scores.BeginRun(ctx, outcome, run); err != nil {
		t.Fatal(err)
	}
	return scoring.OutcomeContext{OutcomeID: outcome, RunID: run, Text: "grow revenue"}
}

func waitQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := Backoff(i+1, time.Second); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestQueue_SucceedsAfterFailures(t *testing.T) {
	h := newHarness(t, 2, 10)
	oc := h.begin(t, "o", "r1")
	sub := h.bus.Subscribe(bus.TopicRetryCompleted)
	defer h.bus.Unsubscribe(sub)

	if ok, err := h.queue.Enqueue(context.Background(), oc, scoring.Task{ID: "t", Text: "bill"}, errors.New("timeout")); !ok || err != nil {
		t.Fatalf("Enqueue = %v, %v", ok, err)
	}
	waitQueue(t, h.queue)

	if got := h.scorer.count("t"); got != 3 {
		t.Fatalf("scorer calls = %d, want 3", got)
	}
	if _, err := h.scores.Get(context.Background(), "o", "t"); err != nil {
		t.Fatalf("score not merged: %v", err)
	}
	if len(h.queue.Snapshot("o")) != 0 {
		t.Fatal("completed job must be removed")
	}
	if h.jobs.len() != 0 {
		t.Fatal("completed job must be deleted from the job store")
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.RetryEvent).TaskID != "t" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for completed event")
	}
}

func TestQueue_ExhaustsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, 100, 10)
	oc := h.begin(t, "o", "r1")
	sub := h.bus.Subscribe(bus.TopicRetryExhausted)
	defer h.bus.Unsubscribe(sub)

	_, _ = h.queue.Enqueue(context.Background(), oc, scoring.Task{ID: "t", Text: "x"}, errors.New("boom"))
	waitQueue(t, h.queue)

	if got := h.scorer.count("t"); got != DefaultMaxAttempts {
		t.Fatalf("scorer calls = %d, want %d", got, DefaultMaxAttempts)
	}
	jobs := h.queue.Snapshot("o")
	if len(jobs) != 1 || jobs[0].Status != StatusFailed || jobs[0].Attempts != 3 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !h.queue.Excluded("o")["t"] {
		t.Fatal("exhausted task must be excluded")
	}
	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for exhausted event")
	}

	// A new run clears the exclusion.
	h.begin(t, "o", "r2")
	if len(h.queue.Excluded("o")) != 0 || len(h.queue.Snapshot("o")) != 0 {
		t.Fatal("new run must drop exhausted jobs")
	}
}

func TestQueue_InvalidateCancelsInFlight(t *testing.T) {
	h := newHarness(t, 0, 10)
	h.scorer.block = true
	oc := h.begin(t, "o", "r1")

	_, _ = h.queue.Enqueue(context.Background(), oc, scoring.Task{ID: "t", Text: "x"}, nil)
	deadline := time.Now().Add(2 * time.Second)
	for h.scorer.count("t") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(time.Millisecond)
	}

	h.begin(t, "o", "r2")
	waitQueue(t, h.queue)

	if _, err := h.scores.Get(context.Background(), "o", "t"); !errors.Is(err, shared.ErrNotScored) {
		t.Fatalf("stale result written: %v", err)
	}
	if h.jobs.len() != 0 {
		t.Fatal("superseded job must be deleted")
	}
	if _, err := h.queue.Enqueue(context.Background(), oc, scoring.Task{ID: "u", Text: "x"}, nil); !errors.Is(err, shared.ErrStaleRun) {
		t.Fatalf("enqueue for superseded run = %v, want ErrStaleRun", err)
	}
}

func TestQueue_EnqueueIdempotent(t *testing.T) {
	h := newHarness(t, 0, 10)
	h.scorer.block = true
	oc := h.begin(t, "o", "r1")
	task := scoring.Task{ID: "t", Text: "x"}

	first, _ := h.queue.Enqueue(context.Background(), oc, task, nil)
	second, _ := h.queue.Enqueue(context.Background(), oc, task, nil)
	if !first || second {
		t.Fatalf("Enqueue twice = %v, %v", first, second)
	}
	if n := len(h.queue.Snapshot("o")); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	h := newHarness(t, 0, 2)
	oc := h.begin(t, "o", "r1")
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		_, _ = h.queue.Enqueue(context.Background(), oc, scoring.Task{ID: id, Text: id}, nil)
	}
	waitQueue(t, h.queue)
	if peak := h.scorer.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
	_, snap, _ := h.scores.Snapshot(context.Background(), "o")
	if len(snap) != 6 {
		t.Fatalf("scored %d, want 6", len(snap))
	}
}

func TestQueue_Resume(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	store := scorestore.New(nil, b, nil)
	_ = store.BeginRun(ctx, "o", "current")

	jobs := newMemJobStore()
	_ = jobs.UpsertJob(ctx, Job{TaskID: "live", OutcomeID: "o", RunID: "current", Task: scoring.Task{ID: "live", Text: "x"}, Attempts: 1, MaxAttempts: 3, Status: StatusInProgress})
	_ = jobs.UpsertJob(ctx, Job{TaskID: "dead", OutcomeID: "o", RunID: "current", Task: scoring.Task{ID: "dead", Text: "x"}, Attempts: 3, MaxAttempts: 3, Status: StatusFailed})
	_ = jobs.UpsertJob(ctx, Job{TaskID: "old", OutcomeID: "o", RunID: "previous", Task: scoring.Task{ID: "old", Text: "x"}, Status: StatusPending})

	scorer := newFakeScorer(0)
	q := NewQueue(scorer, store, Config{BaseDelay: time.Millisecond, Store: jobs, Bus: b})
	defer q.Close()

	n, err := q.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	waitQueue(t, q)

	if _, err := store.Get(ctx, "o", "live"); err != nil {
		t.Fatalf("resumed job did not complete: %v", err)
	}
	if scorer.count("old") != 0 || scorer.count("dead") != 0 {
		t.Fatal("stale or exhausted jobs must not run")
	}
	if !q.Excluded("o")["dead"] {
		t.Fatal("exhausted job must stay excluded after resume")
	}
	if jobs.len() != 1 {
		t.Fatalf("job store holds %d jobs, want 1 (the exhausted one)", jobs.len())
	}
}

func TestQueue_Attach(t *testing.T) {
	h := newHarness(t, 0, 10)
	oc := h.begin(t, "o", "r1")
	h.scorer.block = true
	_, _ = h.queue.Enqueue(context.Background(), oc, scoring.Task{ID: "t", Text: "x"}, nil)

	jobs, sub := h.queue.Attach("o")
	defer h.queue.Detach(sub)
	if len(jobs) != 1 || jobs[0].TaskID != "t" {
		t.Fatalf("Attach snapshot = %+v", jobs)
	}
	again, sub2 := h.queue.Attach("o")
	defer h.queue.Detach(sub2)
	if len(again) != 1 {
		t.Fatal("re-attach must not create jobs")
	}

	h.begin(t, "o", "r2")
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicRetryCanceled {
			t.Fatalf("topic = %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for canceled event")
	}
}
