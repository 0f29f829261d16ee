// Package quadrant groups tasks into Impact x Effort clusters and labels each
// with its quadrant. Everything here is pure and cheap to recompute.
package quadrant

import "math"

type Quadrant string

const (
	QuickWin     Quadrant = "quick_win"
	StrategicBet Quadrant = "strategic_bet"
	Incremental  Quadrant = "incremental"
	Avoid        Quadrant = "avoid"
)

// Label returns the display name.
func (q Quadrant) Label() string {
	switch q {
	case QuickWin:
		return "Quick Win"
	case StrategicBet:
		return "Strategic Bet"
	case Incremental:
		return "Incremental"
	default:
		return "Avoid"
	}
}

// Quadrant thresholds.
const (
	ImpactThreshold = 5.0
	EffortThreshold = 8.0
)

// Classify labels a single impact/effort pair.
func Classify(impact, effort float64) Quadrant {
	high := impact >= ImpactThreshold
	cheap := effort <= EffortThreshold
	switch {
	case high && cheap:
		return QuickWin
	case high:
		return StrategicBet
	case cheap:
		return Incremental
	default:
		return Avoid
	}
}

// Merge tolerances.
const (
	ImpactTolerance = 0.5
)

// LogEffortTolerance is ln(1.2), a 20% effort band.
var LogEffortTolerance = math.Log(1.2)

// Point is one task to place. Weight defaults to 1.
type Point struct {
	TaskID string
	Impact float64
	Effort float64
	Weight float64
}

// Group is a cluster of nearby points with weighted-average attributes.
type Group struct {
	TaskIDs   []string `json:"task_ids"`
	Impact    float64  `json:"impact"`
	Effort    float64  `json:"effort"`
	LogEffort float64  `json:"log_effort"`
	Weight    float64  `json:"weight"`
	Quadrant  Quadrant `json:"quadrant"`
}

// Cluster places each point into the first existing group within tolerance,
// updating the group's running averages, or starts a new group.
func Cluster(points []Point) []Group {
	var groups []Group
	for _, p := range points {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		logEffort := math.Log(math.Max(p.Effort, 1))

		joined := false
		for i := range groups {
			g := &groups[i]
			if math.Abs(g.Impact-p.Impact) > ImpactTolerance || math.Abs(g.LogEffort-logEffort) > LogEffortTolerance {
				continue
			}
			total := g.Weight + w
			g.Impact = (g.Impact*g.Weight + p.Impact*w) / total
			g.Effort = (g.Effort*g.Weight + p.Effort*w) / total
			g.LogEffort = (g.LogEffort*g.Weight + logEffort*w) / total
			g.Weight = total
			g.TaskIDs = append(g.TaskIDs, p.TaskID)
			g.Quadrant = Classify(g.Impact, g.Effort)
			joined = true
			break
		}
		if !joined {
			groups = append(groups, Group{
				TaskIDs:   []string{p.TaskID},
				Impact:    p.Impact,
				Effort:    p.Effort,
				LogEffort: logEffort,
				Weight:    w,
				Quadrant:  Classify(p.Impact, p.Effort),
			})
		}
	}
	return groups
}
