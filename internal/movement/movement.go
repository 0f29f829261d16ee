// Package movement classifies how each task's position or confidence changed
// between two ranking runs and tracks which changes are worth highlighting.
package movement

import (
	"math"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateActive         State = "active"
	StateCompleted      State = "completed"
	StateDiscarded      State = "discarded"
	StateManualOverride State = "manual_override"
	StateReintroduced   State = "reintroduced"
)

// Annotation is the per-task context the diff consults besides rank position.
type Annotation struct {
	State           State   `json:"state"`
	ConfidenceDelta float64 `json:"confidence_delta"`
	ManualOverride  bool    `json:"manual_override"`
	RemovalReason   string  `json:"removal_reason,omitempty"`
}

type Kind string

const (
	Up             Kind = "up"
	Down           Kind = "down"
	New            Kind = "new"
	Reintroduced   Kind = "reintroduced"
	ConfidenceDrop Kind = "confidence_drop"
	Manual         Kind = "manual"
	None           Kind = "none"
)

// Record is the movement of one task. Delta is the number of positions moved
// for Up/Down and the magnitude of the confidence loss for ConfidenceDrop.
type Record struct {
	Kind  Kind    `json:"kind"`
	Delta float64 `json:"delta,omitempty"`
}

// ConfidenceDropThreshold is the delta at or below which a confidence drop is
// reported.
const ConfidenceDropThreshold = -0.15

// deltas like 0.70-0.85 land a hair above -0.15 in binary floating point.
const epsilon = 1e-9

// Diff classifies every task in current. Rules apply in order: manual
// override, reintroduced, new, confidence drop, then rank change.
func Diff(previous, current []string, annotations map[string]Annotation) map[string]Record {
	prevIdx := make(map[string]int, len(previous))
	for i, id := range previous {
		if _, ok := prevIdx[id]; !ok {
			prevIdx[id] = i
		}
	}

	out := make(map[string]Record, len(current))
	for i, id := range current {
		if _, done := out[id]; done {
			continue
		}
		ann := annotations[id]
		before, existed := prevIdx[id]

		switch {
		case ann.ManualOverride || ann.State == StateManualOverride:
			out[id] = Record{Kind: Manual}
		case !existed && ann.State == StateReintroduced:
			out[id] = Record{Kind: Reintroduced}
		case !existed:
			out[id] = Record{Kind: New}
		case ann.ConfidenceDelta <= ConfidenceDropThreshold+epsilon:
			out[id] = Record{Kind: ConfidenceDrop, Delta: math.Abs(ann.ConfidenceDelta)}
		case before == i:
			out[id] = Record{Kind: None}
		case i < before:
			out[id] = Record{Kind: Up, Delta: float64(before - i)}
		default:
			out[id] = Record{Kind: Down, Delta: float64(i - before)}
		}
	}
	return out
}

// Changed returns the ids whose record is not None, sorted.
func Changed(records map[string]Record) []string {
	var ids []string
	for id, r := range records {
		if r.Kind != None {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DefaultHighlightWindow is how long a highlight set stays active.
const DefaultHighlightWindow = 8 * time.Second

// Highlights is the transient set of changed task ids. Safe for concurrent use.
type Highlights struct {
	mu     sync.Mutex
	window time.Duration
	ids    []string
	until  time.Time
}

func NewHighlights(window time.Duration) *Highlights {
	if window <= 0 {
		window = DefaultHighlightWindow
	}
	return &Highlights{window: window}
}

// Set replaces the highlighted ids with the changed tasks in records and arms
// the window from now.
func (h *Highlights) Set(records map[string]Record, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = Changed(records)
	h.until = now.Add(h.window)
}

// Flash re-arms the window for the current set.
func (h *Highlights) Flash(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.until = now.Add(h.window)
}

// Active returns the highlighted ids while the window is open, else nil.
func (h *Highlights) Active(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ids) == 0 || !now.Before(h.until) {
		return nil
	}
	return append([]string(nil), h.ids...)
}
