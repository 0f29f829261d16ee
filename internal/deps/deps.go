// Package deps orders tasks so that prerequisites come before the tasks that
// need them, tolerating cycles and edges that reference absent tasks.
package deps

import (
	"fmt"
	"sort"

	"github.com/basket/stratrank/internal/shared"
)

type Relationship string

const (
	Prerequisite Relationship = "prerequisite"
	Blocks       Relationship = "blocks"
	Related      Relationship = "related"
)

type DetectionMethod string

const (
	Inferred DetectionMethod = "inferred"
	Stored   DetectionMethod = "stored"
)

// Edge states that Source must come before Target.
type Edge struct {
	Source          string          `json:"source" yaml:"source"`
	Target          string          `json:"target" yaml:"target"`
	Relationship    Relationship    `json:"relationship" yaml:"relationship"`
	Confidence      float64         `json:"confidence" yaml:"confidence"`
	DetectionMethod DetectionMethod `json:"detection_method,omitempty" yaml:"detection_method,omitempty"`
}

// Resolution is the result of ordering a task list against its edges.
// Remainder holds the ids that sat on or behind a cycle; they are already
// appended to Order in their original relative order.
type Resolution struct {
	Order     []string `json:"order"`
	Remainder []string `json:"remainder,omitempty"`
	Cyclic    bool     `json:"cyclic"`
}

// Err reports ErrCycleDetected for a partial resolution. Callers may log it;
// the order is usable either way.
func (r Resolution) Err() error {
	if !r.Cyclic {
		return nil
	}
	return fmt.Errorf("%w: %d task(s) placed in original order: %v", shared.ErrCycleDetected, len(r.Remainder), r.Remainder)
}

// SanitizeOrder returns a permutation of the unique ids in initialOrder that
// respects every edge whose endpoints are both present and distinct. It never
// fails.
func SanitizeOrder(initialOrder []string, edges []Edge) []string {
	return Resolve(initialOrder, edges).Order
}

// Resolve runs Kahn's algorithm over the present edges. Ready nodes are always
// taken in original index order; nodes left uncovered by a cycle are appended
// in their original relative order.
func Resolve(initialOrder []string, edges []Edge) Resolution {
	index := make(map[string]int, len(initialOrder))
	nodes := make([]string, 0, len(initialOrder))
	for _, id := range initialOrder {
		if _, dup := index[id]; dup {
			continue
		}
		index[id] = len(nodes)
		nodes = append(nodes, id)
	}

	inDeg := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	seenEdge := make(map[[2]string]bool, len(edges))
	for _, e := range edges {
		if e.Source == e.Target {
			continue
		}
		if _, ok := index[e.Source]; !ok {
			continue
		}
		if _, ok := index[e.Target]; !ok {
			continue
		}
		key := [2]string{e.Source, e.Target}
		if seenEdge[key] {
			continue
		}
		seenEdge[key] = true
		adj[e.Source] = append(adj[e.Source], e.Target)
		inDeg[e.Target]++
	}

	byIndex := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })
	}

	var ready []string
	for _, id := range nodes {
		if inDeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		placed[id] = true

		released := false
		for _, next := range adj[id] {
			inDeg[next]--
			if inDeg[next] == 0 {
				ready = append(ready, next)
				released = true
			}
		}
		if released {
			byIndex(ready)
		}
	}

	res := Resolution{Order: order}
	for _, id := range nodes {
		if !placed[id] {
			res.Remainder = append(res.Remainder, id)
		}
	}
	if len(res.Remainder) > 0 {
		res.Cyclic = true
		res.Order = append(res.Order, res.Remainder...)
	}
	return res
}

// EdgeConfidence returns the mean confidence of the edges touching each task.
// Tasks without edges are absent from the map.
func EdgeConfidence(edges []Edge) map[string]float64 {
	sum := map[string]float64{}
	count := map[string]int{}
	for _, e := range edges {
		if e.Source == e.Target {
			continue
		}
		c := e.Confidence
		if c < 0 {
			c = 0
		} else if c > 1 {
			c = 1
		}
		for _, id := range []string{e.Source, e.Target} {
			sum[id] += c
			count[id]++
		}
	}
	out := make(map[string]float64, len(sum))
	for id, s := range sum {
		out[id] = s / float64(count[id])
	}
	return out
}
