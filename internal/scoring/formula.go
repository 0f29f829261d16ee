package scoring

import (
	"math"
	"time"

	"github.com/basket/stratrank/internal/shared"
)

// Priority returns min(100, impact*10 / (effort/8) * confidence), never below 0.
func Priority(impact, effort, confidence float64) float64 {
	if effort <= 0 || math.IsNaN(impact) || math.IsNaN(effort) || math.IsNaN(confidence) {
		return 0
	}
	raw := (impact * 10) / (effort / HoursPerDay) * confidence
	if raw < 0 || math.IsNaN(raw) {
		return 0
	}
	return math.Min(MaxPriority, raw)
}

// NewScore builds a StrategicScore and derives its priority.
func NewScore(impact, effort, confidence float64, reasoning Reasoning, at time.Time) StrategicScore {
	return StrategicScore{
		Impact:     impact,
		Effort:     effort,
		Confidence: confidence,
		Priority:   Priority(impact, effort, confidence),
		Reasoning:  reasoning,
		ScoredAt:   at,
	}
}

// Recompute returns s with Priority derived from its current inputs.
func (s StrategicScore) Recompute() StrategicScore {
	s.Priority = Priority(s.Impact, s.Effort, s.Confidence)
	return s
}

// Validate checks every field of s against its declared range.
func Validate(taskID string, s StrategicScore) error {
	if err := ValidateImpact(taskID, s.Impact); err != nil {
		return err
	}
	if err := ValidateEffort(taskID, s.Effort); err != nil {
		return err
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return &shared.ValidationError{TaskID: taskID, Field: "confidence", Value: s.Confidence, Reason: "must be within [0,1]"}
	}
	if math.IsNaN(s.Priority) || s.Priority < 0 || s.Priority > MaxPriority {
		return &shared.ValidationError{TaskID: taskID, Field: "priority", Value: s.Priority, Reason: "must be within [0,100]"}
	}
	return nil
}

// ValidateImpact checks impact ∈ [0,10].
func ValidateImpact(taskID string, impact float64) error {
	if math.IsNaN(impact) || impact < MinImpact || impact > MaxImpact {
		return &shared.ValidationError{TaskID: taskID, Field: "impact", Value: impact, Reason: "must be within [0,10]"}
	}
	return nil
}

// ValidateEffort checks effort ∈ [0.5,160] hours.
func ValidateEffort(taskID string, effort float64) error {
	if math.IsNaN(effort) || effort < MinEffort || effort > MaxEffort {
		return &shared.ValidationError{TaskID: taskID, Field: "effort", Value: effort, Reason: "must be within [0.5,160] hours"}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
