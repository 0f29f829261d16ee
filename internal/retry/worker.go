package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/stratrank/internal/bus"
	otelPkg "github.com/basket/stratrank/internal/otel"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/scorestore"
	"github.com/basket/stratrank/internal/shared"
)

// work drives one job until it completes, exhausts, or its context ends.
func (q *Queue) work(ctx context.Context, key jobKey) {
	for {
		job, ok := q.update(ctx, key, func(j *Job) {
			j.Status = StatusPending
			j.NextAttemptAt = q.cfg.Now().Add(Backoff(j.Attempts+1, q.cfg.BaseDelay))
		})
		if !ok {
			return
		}
		attempt := job.Attempts + 1
		if !sleep(ctx, Backoff(attempt, q.cfg.BaseDelay)) {
			return
		}

		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job, ok = q.update(ctx, key, func(j *Job) { j.Status = StatusInProgress })
		if !ok {
			<-q.sem
			return
		}

		score, err := q.attempt(ctx, job, attempt)
		<-q.sem
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = q.complete(ctx, key, score)
			if err == nil || errors.Is(err, shared.ErrStaleRun) {
				return
			}
		}
		if q.fail(ctx, key, attempt, err) {
			return
		}
	}
}

func (q *Queue) attempt(ctx context.Context, job Job, attempt int) (scoring.StrategicScore, error) {
	ctx, span := otelPkg.StartSpan(ctx, q.cfg.Tracer, "retry.attempt",
		otelPkg.AttrOutcomeID.String(job.OutcomeID),
		otelPkg.AttrRunID.String(job.RunID),
		otelPkg.AttrTaskID.String(job.TaskID),
		otelPkg.AttrAttempt.Int(attempt),
	)
	defer span.End()

	q.cfg.Metrics.RetryActive.Add(ctx, 1)
	defer q.cfg.Metrics.RetryActive.Add(ctx, -1)
	q.cfg.Metrics.RetryAttempts.Add(ctx, 1)

	score, err := q.scorer.ScoreOne(ctx, job.Task, job.outcomeContext(), attempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retry attempt failed")
	}
	return score, err
}

// complete writes the score under the queue lock so that an Invalidate
// cannot slip in between the run check and the store write.
func (q *Queue) complete(ctx context.Context, key jobKey, score scoring.StrategicScore) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[key]
	if !ok || q.current[key.outcome] != key.run {
		return fmt.Errorf("complete %s: %w", key.task, shared.ErrStaleRun)
	}
	if _, err := q.writer.Merge(ctx, key.outcome, key.run, key.task, score, scorestore.SourceRetry); err != nil {
		if errors.Is(err, shared.ErrStaleRun) {
			delete(q.jobs, key)
			q.deleteLocked(ctx, key)
		}
		return err
	}

	delete(q.jobs, key)
	q.deleteLocked(ctx, key)
	q.logger.Info("retry succeeded",
		"outcome_id", key.outcome, "run_id", key.run, "task_id", key.task,
		"attempt", e.job.Attempts+1, "priority", score.Priority)
	q.cfg.Bus.Publish(bus.TopicRetryCompleted, bus.RetryEvent{
		OutcomeID: key.outcome, RunID: key.run, TaskID: key.task,
		Attempt: e.job.Attempts + 1, Status: string(StatusCompleted),
	})
	return nil
}

// fail records an unsuccessful attempt. It returns true when the job is
// terminal.
func (q *Queue) fail(ctx context.Context, key jobKey, attempt int, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[key]
	if !ok {
		return true
	}
	now := q.cfg.Now()
	e.job.Attempts = attempt
	e.job.LastError = shared.Redact(cause.Error())
	e.job.UpdatedAt = now

	terminal := attempt >= e.job.MaxAttempts || errors.Is(cause, shared.ErrValidation)
	if !terminal {
		e.job.NextAttemptAt = now.Add(Backoff(attempt+1, q.cfg.BaseDelay))
		q.persistLocked(ctx, e.job)
		q.logger.Warn("retry attempt failed",
			"outcome_id", key.outcome, "task_id", key.task,
			"attempt", attempt, "max_attempts", e.job.MaxAttempts, "error", e.job.LastError)
		q.cfg.Bus.Publish(bus.TopicRetryScheduled, bus.RetryEvent{
			OutcomeID: key.outcome, RunID: key.run, TaskID: key.task,
			Attempt: attempt, Status: string(StatusPending), Error: e.job.LastError, NextAt: e.job.NextAttemptAt,
		})
		return false
	}

	e.job.Status = StatusFailed
	e.job.NextAttemptAt = time.Time{}
	q.persistLocked(ctx, e.job)
	q.cfg.Metrics.RetryExhausted.Add(ctx, 1)
	exhausted := fmt.Errorf("task %s: %w", key.task, shared.ErrEstimationExhausted)
	q.logger.Error("retry exhausted",
		"outcome_id", key.outcome, "run_id", key.run, "task_id", key.task,
		"attempts", attempt, "error", exhausted, "cause", e.job.LastError)
	q.cfg.Bus.Publish(bus.TopicRetryExhausted, bus.RetryEvent{
		OutcomeID: key.outcome, RunID: key.run, TaskID: key.task,
		Attempt: attempt, Status: string(StatusFailed), Error: e.job.LastError,
	})
	return true
}

// update mutates a live job and persists it. It returns false when the job is
// gone.
func (q *Queue) update(ctx context.Context, key jobKey, fn func(*Job)) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[key]
	if !ok || ctx.Err() != nil {
		return Job{}, false
	}
	fn(&e.job)
	e.job.UpdatedAt = q.cfg.Now()
	q.persistLocked(ctx, e.job)
	return e.job, true
}

func (q *Queue) deleteLocked(ctx context.Context, key jobKey) {
	if q.cfg.Store == nil {
		return
	}
	if err := q.cfg.Store.DeleteJob(ctx, key.outcome, key.run, key.task); err != nil {
		q.logger.Error("delete retry job failed", "task_id", key.task, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
