// Package schedule fires periodic reruns for configured outcomes.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions and @descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const nextRunKeyPrefix = "schedule:next:"

// Entry is one periodic rerun.
type Entry struct {
	Name        string
	Cron        string
	OutcomeID   string
	OutcomeText string
	TasksFile   string
}

// Runner performs a rerun for a due entry.
type Runner interface {
	Rerun(ctx context.Context, e Entry) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, e Entry) error

func (f RunnerFunc) Rerun(ctx context.Context, e Entry) error { return f(ctx, e) }

// KVStore persists next-run times so a restart does not refire or skip.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

type Config struct {
	Entries  []Entry
	Runner   Runner
	KV       KVStore       // optional
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler checks its entries every Interval and reruns the due ones.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	schedule map[string]cronlib.Schedule

	mu   sync.Mutex
	next map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every cron expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		logger:   logger,
		schedule: make(map[string]cronlib.Schedule, len(cfg.Entries)),
		next:     make(map[string]time.Time, len(cfg.Entries)),
	}
	for _, e := range cfg.Entries {
		sched, err := cronParser.Parse(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: parse cron %q: %w", e.Name, e.Cron, err)
		}
		if _, dup := s.schedule[e.Name]; dup {
			return nil, fmt.Errorf("schedule %q: duplicate name", e.Name)
		}
		s.schedule[e.Name] = sched
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "entries", len(s.cfg.Entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due entry once. An entry seen for the first time is only
// armed for its next occurrence.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.cfg.Now()
	for _, e := range s.cfg.Entries {
		if ctx.Err() != nil {
			return
		}
		next, ok := s.nextRun(ctx, e.Name)
		if !ok {
			s.setNextRun(ctx, e.Name, s.schedule[e.Name].Next(now))
			continue
		}
		if now.Before(next) {
			continue
		}
		s.fire(ctx, e, now)
	}
}

// NextRun returns the armed next-run time of the named entry.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[name]
	return t, ok
}

func (s *Scheduler) fire(ctx context.Context, e Entry, now time.Time) {
	nextRun := s.schedule[e.Name].Next(now)
	// Advance first so a failing rerun is not retried every tick.
	s.setNextRun(ctx, e.Name, nextRun)

	if err := s.cfg.Runner.Rerun(ctx, e); err != nil {
		s.logger.Error("scheduled rerun failed",
			"schedule_name", e.Name,
			"outcome_id", e.OutcomeID,
			"error", err,
		)
		return
	}
	s.logger.Info("schedule fired",
		"schedule_name", e.Name,
		"outcome_id", e.OutcomeID,
		"next_run_at", nextRun,
	)
}

func (s *Scheduler) nextRun(ctx context.Context, name string) (time.Time, bool) {
	s.mu.Lock()
	t, ok := s.next[name]
	s.mu.Unlock()
	if ok || s.cfg.KV == nil {
		return t, ok
	}
	raw, err := s.cfg.KV.KVGet(ctx, nextRunKeyPrefix+name)
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	s.next[name] = t
	s.mu.Unlock()
	return t, true
}

func (s *Scheduler) setNextRun(ctx context.Context, name string, t time.Time) {
	s.mu.Lock()
	s.next[name] = t
	s.mu.Unlock()
	if s.cfg.KV == nil {
		return
	}
	if err := s.cfg.KV.KVSet(ctx, nextRunKeyPrefix+name, t.UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn("persist next run failed", "schedule_name", name, "error", err)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
