// Package engine is the caller-facing side of the prioritization engine. It
// sequences a ranking run across the scorer, score store, retry queue and
// override manager, and assembles immutable snapshots for display.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/stratrank/internal/audit"
	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/deps"
	"github.com/basket/stratrank/internal/movement"
	otelPkg "github.com/basket/stratrank/internal/otel"
	"github.com/basket/stratrank/internal/override"
	"github.com/basket/stratrank/internal/persistence"
	"github.com/basket/stratrank/internal/ranking"
	"github.com/basket/stratrank/internal/retry"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/scorestore"
	"github.com/basket/stratrank/internal/shared"
)

// ErrNoRun is returned when an outcome has never been ranked.
var ErrNoRun = errors.New("outcome has no ranking run")

// KVStore holds the engine's per-outcome run records.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// StateStore holds the completed and discarded flags of tasks.
type StateStore interface {
	SetTaskState(ctx context.Context, outcomeID, taskID string, st persistence.TaskState) error
	LoadTaskStates(ctx context.Context, outcomeID string) (map[string]persistence.TaskState, error)
}

type Config struct {
	Scorer    *scoring.Service
	Queue     *retry.Queue
	Scores    *scorestore.Store
	Overrides *override.Manager
	KV        KVStore    // nil keeps run records in memory
	States    StateStore // nil keeps task states in memory
	Bus       *bus.Bus

	DefaultStrategy ranking.Strategy
	HighlightWindow time.Duration

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Now     func() time.Time
}

// RunRequest is one rerun of an outcome. Tasks are ranked in the order given
// unless dependencies say otherwise. Annotations carry caller-owned lifecycle
// context for the movement diff; the engine adds its own.
type RunRequest struct {
	OutcomeID   string
	OutcomeText string
	SessionID   string
	Tasks       []scoring.Task
	Edges       []deps.Edge
	History     map[string]float64
	Annotations map[string]movement.Annotation
	Strategy    ranking.Strategy
}

type Engine struct {
	cfg    Config
	logger *slog.Logger

	startOnce sync.Once
	startErr  error

	mu         sync.Mutex
	runLocks   map[string]*sync.Mutex
	highlights map[string]*movement.Highlights
}

func New(cfg Config) (*Engine, error) {
	if cfg.Scorer == nil || cfg.Queue == nil || cfg.Scores == nil || cfg.Overrides == nil {
		return nil, fmt.Errorf("engine: scorer, queue, score store and override manager are required")
	}
	if cfg.KV == nil {
		cfg.KV = newMemKV()
	}
	if cfg.States == nil {
		cfg.States = newMemStates()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = ranking.Balanced
	}
	if cfg.HighlightWindow <= 0 {
		cfg.HighlightWindow = movement.DefaultHighlightWindow
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		runLocks:   map[string]*sync.Mutex{},
		highlights: map[string]*movement.Highlights{},
	}, nil
}

// Start resumes persisted retry jobs. It is safe to call more than once.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		n, err := e.cfg.Queue.Resume(ctx)
		if err != nil {
			e.startErr = fmt.Errorf("resume retry jobs: %w", err)
			return
		}
		e.logger.Info("engine started", "resumed_jobs", n)
	})
	return e.startErr
}

// Close stops in-flight retry jobs. Persisted jobs resume on the next Start.
func (e *Engine) Close() {
	e.cfg.Queue.Close()
}

// Bus returns the event bus snapshots are published on.
func (e *Engine) Bus() *bus.Bus { return e.cfg.Bus }

// TriggerRerun starts a new ranking run for the outcome and returns the
// snapshot after the initial scoring pass. Failed estimates are handed to the
// retry queue; this call never waits for them.
func (e *Engine) TriggerRerun(ctx context.Context, req RunRequest) (Snapshot, error) {
	if strings.TrimSpace(req.OutcomeID) == "" {
		return Snapshot{}, &shared.ValidationError{Field: "outcome_id", Value: req.OutcomeID, Reason: "must not be empty"}
	}
	if req.Strategy == "" {
		req.Strategy = e.cfg.DefaultStrategy
	}
	unlock := e.lockOutcome(req.OutcomeID)
	defer unlock()

	runID := shared.NewRunID()
	ctx, span := otelPkg.StartSpan(ctx, e.cfg.Tracer, "engine.rerun",
		otelPkg.AttrOutcomeID.String(req.OutcomeID),
		otelPkg.AttrRunID.String(runID),
		otelPkg.AttrTaskCount.Int(len(req.Tasks)),
		otelPkg.AttrStrategy.String(string(req.Strategy)),
	)
	defer span.End()
	if req.SessionID != "" {
		ctx = shared.WithSessionID(ctx, req.SessionID)
	}

	if err := e.savePrevious(ctx, req.OutcomeID); err != nil {
		e.logger.Warn("save previous order failed", "outcome_id", req.OutcomeID, "error", err)
	}

	cleared, err := e.cfg.Overrides.ClearAll(ctx, req.OutcomeID)
	if err != nil {
		span.SetStatus(codes.Error, "clear overrides")
		return Snapshot{}, fmt.Errorf("clear overrides: %w", err)
	}
	canceled := e.cfg.Queue.Invalidate(ctx, req.OutcomeID, runID)
	if err := e.cfg.Scores.BeginRun(ctx, req.OutcomeID, runID); err != nil {
		span.SetStatus(codes.Error, "begin run")
		return Snapshot{}, fmt.Errorf("begin run: %w", err)
	}

	rec := runRecord{
		RunID:       runID,
		OutcomeText: req.OutcomeText,
		Tasks:       uniqueTasks(req.Tasks),
		Edges:       req.Edges,
		History:     req.History,
		Annotations: copyAnnotations(req.Annotations),
		Rejected:    map[string]string{},
		StartedAt:   e.cfg.Now().UTC(),
	}
	e.cfg.Bus.Publish(bus.TopicRunStarted, bus.RunEvent{
		OutcomeID:        req.OutcomeID,
		RunID:            runID,
		TaskCount:        len(rec.Tasks),
		ClearedOverrides: cleared,
	})
	audit.Record("run.started", req.OutcomeID, runID,
		fmt.Sprintf("tasks=%d edges=%d cleared_overrides=%d canceled_jobs=%d", len(rec.Tasks), len(req.Edges), cleared, canceled),
		req.SessionID)

	var resolution deps.Resolution
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resolution = deps.Resolve(rec.order(), req.Edges)
	}()
	res := e.cfg.Scorer.Score(ctx, req.Tasks, scoring.OutcomeContext{
		OutcomeID:            req.OutcomeID,
		RunID:                runID,
		Text:                 req.OutcomeText,
		DependencyConfidence: deps.EdgeConfidence(req.Edges),
		HistoricalSuccess:    req.History,
	})
	wg.Wait()
	if resolution.Cyclic {
		e.logger.Warn("dependency cycle detected; remainder appended in input order",
			"outcome_id", req.OutcomeID, "run_id", runID, "remainder", resolution.Remainder)
	}

	for id, err := range res.Rejected {
		rec.Rejected[id] = err.Error()
	}
	if err := e.saveRun(ctx, req.OutcomeID, rec); err != nil {
		return Snapshot{}, err
	}

	written := 0
	for id, score := range res.Scores {
		if _, err := e.cfg.Scores.Merge(ctx, req.OutcomeID, runID, id, score, scorestore.SourceBatch); err != nil {
			if errors.Is(err, shared.ErrStaleRun) {
				return Snapshot{}, fmt.Errorf("run %s: %w", runID, err)
			}
			e.logger.Error("write score failed", "outcome_id", req.OutcomeID, "task_id", id, "error", err)
			continue
		}
		written++
	}

	e.cfg.Metrics.RankRuns.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrStrategy.String(string(req.Strategy))))
	e.cfg.Bus.Publish(bus.TopicRunScored, bus.RunEvent{
		OutcomeID:        req.OutcomeID,
		RunID:            runID,
		TaskCount:        len(rec.Tasks),
		Scored:           written,
		Failed:           len(res.Failures),
		ClearedOverrides: cleared,
	})
	e.logger.Info("ranking run scored",
		"outcome_id", req.OutcomeID,
		"run_id", runID,
		"scored", written,
		"failed", len(res.Failures),
		"rejected", len(res.Rejected),
		"cleared_overrides", cleared,
	)

	snap, err := e.build(ctx, req.OutcomeID, req.Strategy)
	if err != nil {
		return Snapshot{}, err
	}
	h := e.highlightsFor(req.OutcomeID)
	h.Set(snap.Movement, e.cfg.Now())
	snap.Highlights = h.Active(e.cfg.Now())
	return snap, nil
}

// Snapshot returns the current view of the outcome under strategy. An empty
// strategy uses the configured default.
func (e *Engine) Snapshot(ctx context.Context, outcomeID string, strategy ranking.Strategy) (Snapshot, error) {
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}
	snap, err := e.build(ctx, outcomeID, strategy)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Highlights = e.highlightsFor(outcomeID).Active(e.cfg.Now())
	return snap, nil
}

// Attach returns the outcome's snapshot and a subscription to everything
// published for it afterwards. Release the subscription with Detach.
func (e *Engine) Attach(ctx context.Context, outcomeID string) (Snapshot, *bus.Subscription, error) {
	sub := e.cfg.Bus.SubscribeOutcome("", outcomeID)
	snap, err := e.Snapshot(ctx, outcomeID, "")
	if err != nil {
		e.cfg.Bus.Unsubscribe(sub)
		return Snapshot{}, nil, err
	}
	return snap, sub, nil
}

// Detach releases a subscription returned by Attach.
func (e *Engine) Detach(sub *bus.Subscription) {
	e.cfg.Bus.Unsubscribe(sub)
}

// FlashHighlights re-arms the highlight window for the outcome's last set of
// changed tasks and returns them.
func (e *Engine) FlashHighlights(outcomeID string) []string {
	h := e.highlightsFor(outcomeID)
	now := e.cfg.Now()
	h.Flash(now)
	return h.Active(now)
}

func (e *Engine) highlightsFor(outcomeID string) *movement.Highlights {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.highlights[outcomeID]
	if !ok {
		h = movement.NewHighlights(e.cfg.HighlightWindow)
		e.highlights[outcomeID] = h
	}
	return h
}

// lockOutcome serializes reruns of one outcome.
func (e *Engine) lockOutcome(outcomeID string) func() {
	e.mu.Lock()
	l, ok := e.runLocks[outcomeID]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[outcomeID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func uniqueTasks(tasks []scoring.Task) []scoring.Task {
	seen := make(map[string]bool, len(tasks))
	out := make([]scoring.Task, 0, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

func copyAnnotations(in map[string]movement.Annotation) map[string]movement.Annotation {
	out := make(map[string]movement.Annotation, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
