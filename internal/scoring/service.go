package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/stratrank/internal/otel"
	"github.com/basket/stratrank/internal/shared"
)

const (
	DefaultBatchSize       = 10
	DefaultEstimateTimeout = 10 * time.Second
)

type Config struct {
	BatchSize       int
	EstimateTimeout time.Duration
	Sink            FailureSink // receives tasks whose estimator call failed
	Logger          *slog.Logger
	Tracer          trace.Tracer
	Metrics         *otelPkg.Metrics
	Now             func() time.Time
}

// Service scores tasks. It is safe for concurrent use.
type Service struct {
	estimator Estimator
	config    Config
	logger    *slog.Logger
}

func NewService(est Estimator, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.EstimateTimeout <= 0 {
		cfg.EstimateTimeout = DefaultEstimateTimeout
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
	return &Service{estimator: est, config: cfg, logger: logger}
}

// SetSink replaces the failure sink. Call before the first Score.
func (s *Service) SetSink(sink FailureSink) {
	s.config.Sink = sink
}

// Score runs the initial bounded-concurrency pass over tasks. Invalid tasks are
// rejected individually, estimator failures are handed to the sink, and the
// rest are scored. Duplicate task ids keep their first occurrence; later
// copies are dropped without a rejection.
func (s *Service) Score(ctx context.Context, tasks []Task, oc OutcomeContext) Result {
	ctx, span := otelPkg.StartSpan(ctx, s.config.Tracer, "scoring.batch",
		otelPkg.AttrOutcomeID.String(oc.OutcomeID),
		otelPkg.AttrRunID.String(oc.RunID),
		otelPkg.AttrTaskCount.Int(len(tasks)),
	)
	defer span.End()
	start := time.Now()

	res := Result{
		Scores:   make(map[string]StrategicScore, len(tasks)),
		Rejected: map[string]error{},
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.config.BatchSize)
	seen := make(map[string]bool, len(tasks))

	for _, task := range tasks {
		if seen[task.ID] {
			s.logger.Debug("duplicate task id skipped", "outcome_id", oc.OutcomeID, "task_id", task.ID)
			continue
		}
		seen[task.ID] = true

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			res.Failures = append(res.Failures, task.ID)
			mu.Unlock()
			s.enqueueFailure(ctx, oc, task, shared.NewEstimationError(task.ID, 0, ctx.Err()))
			continue
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer func() { <-sem }()

			score, err := s.ScoreOne(ctx, task, oc, 0)
			failed := err != nil && !errors.Is(err, shared.ErrValidation)
			mu.Lock()
			switch {
			case err == nil:
				res.Scores[task.ID] = score
			case failed:
				res.Failures = append(res.Failures, task.ID)
			default:
				res.Rejected[task.ID] = err
			}
			mu.Unlock()
			if failed {
				s.enqueueFailure(ctx, oc, task, err)
			}
		}(task)
	}
	wg.Wait()
	sort.Strings(res.Failures)

	s.config.Metrics.ScoringDuration.Record(ctx, time.Since(start).Seconds())
	if len(res.Failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d estimator failures", len(res.Failures)))
	}
	s.logger.Info("scoring pass complete",
		"outcome_id", oc.OutcomeID,
		"run_id", oc.RunID,
		"scored", len(res.Scores),
		"failed", len(res.Failures),
		"rejected", len(res.Rejected),
	)
	return res
}

// enqueueFailure hands a failed task to the sink. The sink persists the job,
// so it must not inherit the batch's cancellation.
func (s *Service) enqueueFailure(ctx context.Context, oc OutcomeContext, task Task, cause error) {
	if s.config.Sink == nil {
		return
	}
	s.config.Sink.EnqueueFailure(context.WithoutCancel(ctx), oc, task, cause)
}

// ScoreOne scores a single task. attempt is 0 for the initial pass and the
// retry number afterwards. The returned error wraps either
// shared.ErrValidation or shared.ErrEstimationFailed.
func (s *Service) ScoreOne(ctx context.Context, task Task, oc OutcomeContext, attempt int) (StrategicScore, error) {
	if task.ID == "" {
		return StrategicScore{}, &shared.ValidationError{Field: "id", Value: task.ID, Reason: "must not be empty"}
	}
	if task.Text == "" {
		return StrategicScore{}, &shared.ValidationError{TaskID: task.ID, Field: "text", Value: task.Text, Reason: "must not be empty"}
	}
	if task.Similarity != nil && (*task.Similarity < 0 || *task.Similarity > 1) {
		return StrategicScore{}, &shared.ValidationError{TaskID: task.ID, Field: "similarity", Value: *task.Similarity, Reason: "must be within [0,1]"}
	}

	est, err := s.estimate(ctx, task, oc, attempt)
	if err != nil {
		return StrategicScore{}, shared.NewEstimationError(task.ID, attempt, err)
	}

	reasoning := Reasoning{Keywords: est.Reasoning}
	impact := est.Impact
	if ValidateImpact(task.ID, impact) != nil {
		// The call succeeded but produced nothing usable.
		impact, reasoning.Keywords = HeuristicImpact(task.Text)
		reasoning.Summary = "keyword heuristic"
		s.logger.Warn("estimator returned invalid impact; using keyword heuristic",
			"task_id", task.ID, "impact", est.Impact)
	}

	effort, source := EstimateEffort(task.Text)
	reasoning.EffortSource = source

	similarity := est.Confidence
	if task.Similarity != nil {
		similarity = *task.Similarity
	}
	dep, hist := oc.Weights(task.ID)
	conf := Confidence(similarity, dep, hist)

	score := NewScore(impact, effort, conf, reasoning, s.config.Now())
	if err := Validate(task.ID, score); err != nil {
		return StrategicScore{}, err
	}
	return score, nil
}

func (s *Service) estimate(ctx context.Context, task Task, oc OutcomeContext, attempt int) (Estimate, error) {
	if s.estimator == nil {
		return Estimate{}, errors.New("no estimator configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.EstimateTimeout)
	defer cancel()
	ctx, span := otelPkg.StartClientSpan(ctx, s.config.Tracer, "scoring.estimate",
		otelPkg.AttrTaskID.String(task.ID),
		otelPkg.AttrAttempt.Int(attempt),
	)
	defer span.End()

	start := time.Now()
	est, err := s.estimator.Estimate(ctx, task, oc.Text)
	s.config.Metrics.EstimatorDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		class := shared.ClassifyError(err)
		s.config.Metrics.EstimatorFailures.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrErrorClass.String(string(class))))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		s.logger.Warn("impact estimation failed",
			"task_id", task.ID,
			"attempt", attempt,
			"class", class,
			"error", shared.Redact(err.Error()),
		)
		return Estimate{}, err
	}
	return est, nil
}

func lookup(m map[string]float64, id string) float64 {
	if v, ok := m[id]; ok {
		return v
	}
	return defaultWeight
}
