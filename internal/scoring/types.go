// Package scoring computes Impact, Effort, Confidence and Priority for
// candidate tasks against a stated outcome.
//
// Impact comes from a pluggable Estimator that may be slow or fail. Effort is
// parsed from explicit hints in the task text or derived from a complexity
// heuristic. Confidence blends outcome similarity, dependency confidence and
// historical success. Priority is always derived from the other three.
package scoring

import (
	"context"
	"time"
)

// Effort sources recorded in Reasoning.EffortSource.
const (
	EffortSourceExtracted = "extracted"
	EffortSourceHeuristic = "heuristic"
	EffortSourceManual    = "manual"
)

// Declared score ranges.
const (
	MinImpact     = 0.0
	MaxImpact     = 10.0
	MinEffort     = 0.5
	MaxEffort     = 160.0
	MaxPriority   = 100.0
	HoursPerDay   = 8.0
	defaultWeight = 0.5
)

// Task is a candidate unit of work. The engine never mutates tasks.
type Task struct {
	ID         string   `json:"id" yaml:"id"`
	Text       string   `json:"text" yaml:"text"`
	DocumentID string   `json:"document_id,omitempty" yaml:"document_id,omitempty"`
	Similarity *float64 `json:"similarity,omitempty" yaml:"similarity,omitempty"` // outcome similarity from the caller's embedding store
}

// Reasoning explains how a score was produced.
type Reasoning struct {
	Keywords     []string `json:"keywords,omitempty"`
	EffortSource string   `json:"effort_source"`
	Summary      string   `json:"summary,omitempty"`
}

// StrategicScore is the machine (or merged) estimate for one task in one run.
type StrategicScore struct {
	Impact     float64   `json:"impact"`
	Effort     float64   `json:"effort"`
	Confidence float64   `json:"confidence"`
	Priority   float64   `json:"priority"`
	Reasoning  Reasoning `json:"reasoning"`
	ScoredAt   time.Time `json:"scored_at"`
}

// Estimate is what an Estimator returns for a single task.
type Estimate struct {
	Impact     float64  `json:"impact"`
	Reasoning  []string `json:"reasoning"`
	Confidence float64  `json:"confidence"`
}

// Estimator produces an impact estimate for a task against an outcome. Calls
// may block, time out, or fail; callers bound them with a context deadline.
type Estimator interface {
	Estimate(ctx context.Context, task Task, outcomeText string) (Estimate, error)
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(ctx context.Context, task Task, outcomeText string) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context, task Task, outcomeText string) (Estimate, error) {
	return f(ctx, task, outcomeText)
}

// OutcomeContext carries the per-run inputs shared by every task in a batch.
type OutcomeContext struct {
	OutcomeID string
	RunID     string
	Text      string

	// DependencyConfidence is the mean confidence of dependency edges touching
	// each task. Missing entries default to 0.5.
	DependencyConfidence map[string]float64

	// HistoricalSuccess is the caller's per-task success rate from earlier
	// runs. Missing entries default to 0.5.
	HistoricalSuccess map[string]float64
}

// Result is the outcome of a batch scoring pass.
type Result struct {
	Scores   map[string]StrategicScore
	Failures []string
	Rejected map[string]error
}

// FailureSink takes ownership of tasks whose estimation call failed.
type FailureSink interface {
	EnqueueFailure(ctx context.Context, oc OutcomeContext, task Task, cause error)
}

// Weights returns the dependency confidence and historical success used for
// taskID, falling back to 0.5.
func (oc OutcomeContext) Weights(taskID string) (dependency, history float64) {
	return lookup(oc.DependencyConfidence, taskID), lookup(oc.HistoricalSuccess, taskID)
}
