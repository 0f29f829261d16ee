package scoring

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/stratrank/internal/shared"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPriority(t *testing.T) {
	tests := []struct {
		impact, effort, conf float64
		want                 float64
	}{
		{8, 4, 0.9, 100},
		{5, 16, 0.6, 15},
		{10, 8, 1, 100},
		{0, 8, 1, 0},
		{4, 8, 0.5, 20},
		{5, 0, 1, 0},
		{math.NaN(), 8, 1, 0},
	}
	for _, tt := range tests {
		if got := Priority(tt.impact, tt.effort, tt.conf); !approx(got, tt.want) {
			t.Errorf("Priority(%v,%v,%v) = %v, want %v", tt.impact, tt.effort, tt.conf, got, tt.want)
		}
	}
}

func TestExtractEffortHint(t *testing.T) {
	tests := []struct {
		text string
		want float64
		ok   bool
	}{
		{"Fix login bug (3h)", 3, true},
		{"Ship billing page, about 4 hours", 4, true},
		{"Migrate auth in 2 days", 16, true},
		{"Audit roles 1d", 8, true},
		{"quick tweak 0.25 hrs", 0.5, true},
		{"rewrite engine 60 days", 160, true},
		{"feed 5 hamsters", 0, false},
		{"no hint here", 0, false},
	}
	for _, tt := range tests {
		got, ok := ExtractEffortHint(tt.text)
		if ok != tt.ok || !approx(got, tt.want) {
			t.Errorf("ExtractEffortHint(%q) = %v,%v want %v,%v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHeuristicEffort(t *testing.T) {
	if got := HeuristicEffort("Fix typo"); got != 8 {
		t.Fatalf("base effort = %v, want 8", got)
	}
	if got := HeuristicEffort("Build payments API integration"); got != 16 {
		t.Fatalf("integration effort = %v, want 16", got)
	}
	got := HeuristicEffort("Research and prototype a migration of the billing API, blocked by the vendor contract; this needs a long write-up and careful planning ahead")
	if got != 32 {
		t.Fatalf("compound effort = %v, want 32", got)
	}
	effort, src := EstimateEffort("Plain task")
	if src != EffortSourceHeuristic || effort != 8 {
		t.Fatalf("EstimateEffort = %v,%s", effort, src)
	}
	effort, src = EstimateEffort("Plain task 2h")
	if src != EffortSourceExtracted || effort != 2 {
		t.Fatalf("EstimateEffort with hint = %v,%s", effort, src)
	}
}

func TestHeuristicImpact(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"Update footer", 5},
		{"Fix checkout payments", 8},
		{"Security launch checklist for customer billing", 10},
		{"Improve onboarding", 6},
		{"Refactor docs", 4},
	}
	for _, tt := range tests {
		got, _ := HeuristicImpact(tt.text)
		if got != tt.want {
			t.Errorf("HeuristicImpact(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
	_, kw := HeuristicImpact("Fix checkout")
	if len(kw) != 1 || kw[0] != "checkout" {
		t.Fatalf("keywords = %v", kw)
	}
}

func TestConfidence(t *testing.T) {
	if got := Confidence(1, 1, 1); !approx(got, 1) {
		t.Fatalf("Confidence(1,1,1) = %v", got)
	}
	if got := Confidence(0.5, 0.5, 0.5); !approx(got, 0.5) {
		t.Fatalf("Confidence(.5,.5,.5) = %v", got)
	}
	if got := Confidence(2, -1, 0); !approx(got, 0.6) {
		t.Fatalf("clamped Confidence = %v", got)
	}
}

func TestValidate(t *testing.T) {
	good := NewScore(5, 8, 0.5, Reasoning{}, time.Now())
	if err := Validate("t", good); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := good
	bad.Impact = 11
	if err := Validate("t", bad); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	bad = good
	bad.Effort = 0.1
	var ve *shared.ValidationError
	if err := Validate("t", bad); !errors.As(err, &ve) || ve.Field != "effort" {
		t.Fatalf("expected effort validation error, got %v", err)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	tasks    []string
	canceled int // calls made with an already-canceled context
}

func (r *recordingSink) EnqueueFailure(ctx context.Context, _ OutcomeContext, task Task, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !errors.Is(cause, shared.ErrEstimationFailed) {
		panic("sink received non-estimation error")
	}
	if ctx.Err() != nil {
		r.canceled++
	}
	r.tasks = append(r.tasks, task.ID)
}

func fixedEstimator(impact float64) Estimator {
	return EstimatorFunc(func(_ context.Context, _ Task, _ string) (Estimate, error) {
		return Estimate{Impact: impact, Reasoning: []string{"stub"}, Confidence: 0.5}, nil
	})
}

func TestScore_MixedBatch(t *testing.T) {
	est := EstimatorFunc(func(_ context.Context, task Task, _ string) (Estimate, error) {
		if task.ID == "flaky" {
			return Estimate{}, errors.New("503 service unavailable")
		}
		return Estimate{Impact: 8, Confidence: 0.5}, nil
	})
	sink := &recordingSink{}
	svc := NewService(est, Config{Sink: sink})

	res := svc.Score(context.Background(), []Task{
		{ID: "a", Text: "Ship checkout 4h"},
		{ID: "flaky", Text: "Anything"},
		{ID: "empty", Text: ""},
		{ID: "a", Text: "duplicate"},
	}, OutcomeContext{OutcomeID: "o", RunID: "r"})

	if _, ok := res.Scores["a"]; !ok {
		t.Fatal("expected a to be scored")
	}
	if len(res.Failures) != 1 || res.Failures[0] != "flaky" {
		t.Fatalf("failures = %v", res.Failures)
	}
	if !errors.Is(res.Rejected["empty"], shared.ErrValidation) {
		t.Fatalf("expected empty task rejected, got %v", res.Rejected["empty"])
	}
	if _, ok := res.Rejected["a"]; ok || len(res.Rejected) != 1 {
		t.Fatalf("duplicate of a scored task must not be rejected: %v", res.Rejected)
	}
	if len(sink.tasks) != 1 || sink.tasks[0] != "flaky" {
		t.Fatalf("sink got %v", sink.tasks)
	}
	if res.Scores["a"].Reasoning.EffortSource != EffortSourceExtracted {
		t.Fatalf("effort source = %s", res.Scores["a"].Reasoning.EffortSource)
	}
}

func TestScore_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	est := EstimatorFunc(func(_ context.Context, _ Task, _ string) (Estimate, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Estimate{Impact: 5, Confidence: 0.5}, nil
	})
	svc := NewService(est, Config{BatchSize: 3})

	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = Task{ID: string(rune('a' + i)), Text: "task"}
	}
	res := svc.Score(context.Background(), tasks, OutcomeContext{})
	if len(res.Scores) != 12 {
		t.Fatalf("scored %d, want 12", len(res.Scores))
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds batch size", peak.Load())
	}
}

func TestScore_CanceledWhileWaitingForSlot(t *testing.T) {
	started := make(chan struct{})
	est := EstimatorFunc(func(ctx context.Context, task Task, _ string) (Estimate, error) {
		if task.ID == "a" {
			close(started)
		}
		<-ctx.Done()
		return Estimate{}, ctx.Err()
	})
	sink := &recordingSink{}
	svc := NewService(est, Config{BatchSize: 1, Sink: sink})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := svc.Score(ctx, []Task{{ID: "a", Text: "first"}, {ID: "b", Text: "second"}}, OutcomeContext{OutcomeID: "o", RunID: "r"})

	if len(res.Failures) != 2 || res.Failures[0] != "a" || res.Failures[1] != "b" {
		t.Fatalf("failures = %v", res.Failures)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.tasks) != 2 {
		t.Fatalf("every failure must reach the sink, got %v", sink.tasks)
	}
	if sink.canceled != 0 {
		t.Fatalf("sink saw %d canceled contexts", sink.canceled)
	}
}

func TestScoreOne_InvalidImpactFallsBackToHeuristic(t *testing.T) {
	svc := NewService(fixedEstimator(42), Config{})
	score, err := svc.ScoreOne(context.Background(), Task{ID: "t", Text: "Fix checkout"}, OutcomeContext{}, 0)
	if err != nil {
		t.Fatalf("ScoreOne: %v", err)
	}
	if score.Impact != 8 {
		t.Fatalf("impact = %v, want heuristic 8", score.Impact)
	}
	if score.Reasoning.Summary != "keyword heuristic" {
		t.Fatalf("summary = %q", score.Reasoning.Summary)
	}
}

func TestScoreOne_ConfidenceInputs(t *testing.T) {
	sim := 1.0
	svc := NewService(fixedEstimator(5), Config{})
	score, err := svc.ScoreOne(context.Background(), Task{ID: "t", Text: "Task", Similarity: &sim}, OutcomeContext{
		DependencyConfidence: map[string]float64{"t": 1},
		HistoricalSuccess:    map[string]float64{"t": 0},
	}, 0)
	if err != nil {
		t.Fatalf("ScoreOne: %v", err)
	}
	if !approx(score.Confidence, 0.9) {
		t.Fatalf("confidence = %v, want 0.9", score.Confidence)
	}
	if !approx(score.Priority, Priority(score.Impact, score.Effort, score.Confidence)) {
		t.Fatal("priority not derived from inputs")
	}
}

func TestScoreOne_Timeout(t *testing.T) {
	est := EstimatorFunc(func(ctx context.Context, _ Task, _ string) (Estimate, error) {
		<-ctx.Done()
		return Estimate{}, ctx.Err()
	})
	svc := NewService(est, Config{EstimateTimeout: 20 * time.Millisecond})
	_, err := svc.ScoreOne(context.Background(), Task{ID: "slow", Text: "Task"}, OutcomeContext{}, 1)
	var ee *shared.EstimationError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EstimationError, got %v", err)
	}
	if ee.Class != shared.ErrorClassTimeout || ee.Attempt != 1 {
		t.Fatalf("unexpected estimation error: %+v", ee)
	}
}
