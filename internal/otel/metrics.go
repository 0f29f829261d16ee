package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all prioritization engine instruments.
type Metrics struct {
	ScoringDuration   metric.Float64Histogram
	EstimatorDuration metric.Float64Histogram
	EstimatorFailures metric.Int64Counter
	RetryAttempts     metric.Int64Counter
	RetryExhausted    metric.Int64Counter
	RetryActive       metric.Int64UpDownCounter
	RankRuns          metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ScoringDuration, err = meter.Float64Histogram("stratrank.scoring.duration",
		metric.WithDescription("Batch scoring pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EstimatorDuration, err = meter.Float64Histogram("stratrank.estimator.duration",
		metric.WithDescription("Impact estimator call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EstimatorFailures, err = meter.Int64Counter("stratrank.estimator.failures",
		metric.WithDescription("Impact estimator calls that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryAttempts, err = meter.Int64Counter("stratrank.retry.attempts",
		metric.WithDescription("Retry attempts executed by the retry queue"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryExhausted, err = meter.Int64Counter("stratrank.retry.exhausted",
		metric.WithDescription("Tasks that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryActive, err = meter.Int64UpDownCounter("stratrank.retry.active",
		metric.WithDescription("Retry attempts currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.RankRuns, err = meter.Int64Counter("stratrank.rank.runs",
		metric.WithDescription("Full ranking runs started"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	if err != nil {
		// The no-op meter never fails.
		panic(err)
	}
	return m
}
