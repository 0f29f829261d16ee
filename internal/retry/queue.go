// Package retry repairs failed impact estimates out of band. Each failed task
// becomes a job that is retried with exponential backoff until it succeeds or
// exhausts its attempts. Jobs belong to one ranking run; starting a new run
// for the same outcome cancels them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/stratrank/internal/bus"
	otelPkg "github.com/basket/stratrank/internal/otel"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/shared"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultConcurrency = 10
)

// Job is one task awaiting a successful estimate. Attempts counts retries
// already made; the initial batch failure is not counted.
type Job struct {
	TaskID        string       `json:"task_id"`
	OutcomeID     string       `json:"outcome_id"`
	RunID         string       `json:"run_id"`
	Task          scoring.Task `json:"task"`
	OutcomeText   string       `json:"outcome_text"`
	DepConfidence float64      `json:"dep_confidence"`
	History       float64      `json:"history"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	Status        Status       `json:"status"`
	LastError     string       `json:"last_error,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Exhausted reports whether the job reached its terminal failed state.
func (j Job) Exhausted() bool { return j.Status == StatusFailed }

func (j Job) outcomeContext() scoring.OutcomeContext {
	return scoring.OutcomeContext{
		OutcomeID:            j.OutcomeID,
		RunID:                j.RunID,
		Text:                 j.OutcomeText,
		DependencyConfidence: map[string]float64{j.TaskID: j.DepConfidence},
		HistoricalSuccess:    map[string]float64{j.TaskID: j.History},
	}
}

// Backoff returns the wait before retry attempt n (1-based): 2^(n-1) * base.
func Backoff(n int, base time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(math.Pow(2, float64(n-1))) * base
}

// Scorer re-scores a single task.
type Scorer interface {
	ScoreOne(ctx context.Context, task scoring.Task, oc scoring.OutcomeContext, attempt int) (scoring.StrategicScore, error)
}

// ScoreWriter is the shared score store.
type ScoreWriter interface {
	Merge(ctx context.Context, outcomeID, runID, taskID string, s scoring.StrategicScore, source string) (bool, error)
	IsCurrent(ctx context.Context, outcomeID, runID string) bool
}

// JobStore persists jobs so they survive a restart.
type JobStore interface {
	UpsertJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, outcomeID, runID, taskID string) error
	DeleteOutcomeJobs(ctx context.Context, outcomeID, keepRunID string) (int64, error)
	LoadJobs(ctx context.Context) ([]Job, error)
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Concurrency int
	Store       JobStore
	Bus         *bus.Bus
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otelPkg.Metrics
	Now         func() time.Time
}

type jobKey struct {
	outcome, run, task string
}

type entry struct {
	job    Job
	cancel context.CancelFunc
}

// Queue runs retry jobs. It is safe for concurrent use.
type Queue struct {
	scorer Scorer
	writer ScoreWriter
	cfg    Config
	logger *slog.Logger
	sem    chan struct{}

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	mu      sync.Mutex
	jobs    map[jobKey]*entry
	current map[string]string
}

func NewQueue(scorer Scorer, writer ScoreWriter, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
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
	root, stop := context.WithCancel(context.Background())
	return &Queue{
		scorer:  scorer,
		writer:  writer,
		cfg:     cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.Concurrency),
		root:    root,
		stop:    stop,
		jobs:    map[jobKey]*entry{},
		current: map[string]string{},
	}
}

// EnqueueFailure implements scoring.FailureSink.
func (q *Queue) EnqueueFailure(ctx context.Context, oc scoring.OutcomeContext, task scoring.Task, cause error) {
	if _, err := q.Enqueue(ctx, oc, task, cause); err != nil {
		q.logger.Warn("retry enqueue refused",
			"outcome_id", oc.OutcomeID, "run_id", oc.RunID, "task_id", task.ID, "error", err)
	}
}

// Enqueue creates a pending job for the task. It is idempotent per
// (outcome, run, task): a second call returns false without creating a job.
func (q *Queue) Enqueue(ctx context.Context, oc scoring.OutcomeContext, task scoring.Task, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, errors.New("retry queue closed")
	}
	if cur, ok := q.current[oc.OutcomeID]; ok && cur != oc.RunID {
		return false, fmt.Errorf("enqueue %s for run %s (current %s): %w", task.ID, oc.RunID, cur, shared.ErrStaleRun)
	}
	q.current[oc.OutcomeID] = oc.RunID

	key := jobKey{oc.OutcomeID, oc.RunID, task.ID}
	if _, exists := q.jobs[key]; exists {
		return false, nil
	}
	dep, hist := oc.Weights(task.ID)
	now := q.cfg.Now()
	job := Job{
		TaskID:        task.ID,
		OutcomeID:     oc.OutcomeID,
		RunID:         oc.RunID,
		Task:          task,
		OutcomeText:   oc.Text,
		DepConfidence: dep,
		History:       hist,
		MaxAttempts:   q.cfg.MaxAttempts,
		Status:        StatusPending,
		NextAttemptAt: now.Add(Backoff(1, q.cfg.BaseDelay)),
		UpdatedAt:     now,
	}
	if cause != nil {
		job.LastError = shared.Redact(cause.Error())
	}
	q.persistLocked(ctx, job)
	q.startLocked(key, job)
	return true, nil
}

// Invalidate makes runID the outcome's current run and cancels every job of
// any other run for that outcome, including exhausted ones.
func (q *Queue) Invalidate(ctx context.Context, outcomeID, runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current[outcomeID] = runID

	n := 0
	for key, e := range q.jobs {
		if key.outcome != outcomeID || key.run == runID {
			continue
		}
		if e.cancel != nil {
			e.cancel()
		}
		delete(q.jobs, key)
		n++
		q.cfg.Bus.Publish(bus.TopicRetryCanceled, bus.RetryEvent{
			OutcomeID: key.outcome, RunID: key.run, TaskID: key.task,
			Attempt: e.job.Attempts, Status: string(e.job.Status),
		})
	}
	if q.cfg.Store != nil {
		if _, err := q.cfg.Store.DeleteOutcomeJobs(ctx, outcomeID, runID); err != nil {
			q.logger.Error("delete superseded retry jobs failed", "outcome_id", outcomeID, "error", err)
		}
	}
	if n > 0 {
		q.logger.Info("retry jobs invalidated", "outcome_id", outcomeID, "run_id", runID, "count", n)
	}
	return n
}

// Snapshot returns the outcome's jobs sorted by task id.
func (q *Queue) Snapshot(outcomeID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for key, e := range q.jobs {
		if key.outcome == outcomeID {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Excluded returns the ids of the outcome's exhausted tasks in its current run.
func (q *Queue) Excluded(outcomeID string) map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[string]bool{}
	cur := q.current[outcomeID]
	for key, e := range q.jobs {
		if key.outcome == outcomeID && key.run == cur && e.job.Exhausted() {
			out[key.task] = true
		}
	}
	return out
}

// Attach returns the outcome's current jobs and a subscription to its
// subsequent retry events. Jobs are never re-created. Release the
// subscription with Detach.
func (q *Queue) Attach(outcomeID string) ([]Job, *bus.Subscription) {
	var sub *bus.Subscription
	if q.cfg.Bus != nil {
		sub = q.cfg.Bus.SubscribeOutcome("retry.", outcomeID)
	}
	return q.Snapshot(outcomeID), sub
}

// Detach releases a subscription returned by Attach.
func (q *Queue) Detach(sub *bus.Subscription) {
	if q.cfg.Bus != nil {
		q.cfg.Bus.Unsubscribe(sub)
	}
}

// Resume reloads persisted jobs. Jobs of superseded runs are dropped,
// exhausted jobs are kept for exclusion, and the rest restart from pending.
func (q *Queue) Resume(ctx context.Context) (int, error) {
	if q.cfg.Store == nil {
		return 0, nil
	}
	jobs, err := q.cfg.Store.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load retry jobs: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	resumed := 0
	for _, job := range jobs {
		if q.writer != nil && !q.writer.IsCurrent(ctx, job.OutcomeID, job.RunID) {
			if err := q.cfg.Store.DeleteJob(ctx, job.OutcomeID, job.RunID, job.TaskID); err != nil {
				q.logger.Warn("drop stale retry job failed", "task_id", job.TaskID, "error", err)
			}
			continue
		}
		key := jobKey{job.OutcomeID, job.RunID, job.TaskID}
		if _, exists := q.jobs[key]; exists {
			continue
		}
		q.current[job.OutcomeID] = job.RunID
		if job.Exhausted() {
			q.jobs[key] = &entry{job: job}
			continue
		}
		job.Status = StatusPending
		q.startLocked(key, job)
		resumed++
	}
	if resumed > 0 {
		q.logger.Info("retry jobs resumed", "count", resumed)
	}
	return resumed, nil
}

// Wait blocks until no job is running or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every running job and waits for the workers to exit. Pending
// jobs stay persisted for Resume.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.stop()
	q.wg.Wait()
}

func (q *Queue) startLocked(key jobKey, job Job) {
	ctx, cancel := context.WithCancel(q.root)
	q.jobs[key] = &entry{job: job, cancel: cancel}
	q.cfg.Bus.Publish(bus.TopicRetryScheduled, bus.RetryEvent{
		OutcomeID: job.OutcomeID, RunID: job.RunID, TaskID: job.TaskID,
		Attempt: job.Attempts, Status: string(job.Status), NextAt: job.NextAttemptAt,
	})
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()
		q.work(ctx, key)
	}()
}

func (q *Queue) persistLocked(ctx context.Context, job Job) {
	if q.cfg.Store == nil {
		return
	}
	if err := q.cfg.Store.UpsertJob(ctx, job); err != nil {
		q.logger.Error("persist retry job failed", "task_id", job.TaskID, "status", job.Status, "error", err)
	}
}
