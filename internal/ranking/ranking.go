// Package ranking orders scored tasks under one of four strategies. Each
// strategy is a filter and a sort key applied to the same scored set.
package ranking

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/basket/stratrank/internal/scoring"
)

type Strategy string

const (
	Balanced      Strategy = "balanced"
	QuickWins     Strategy = "quick_wins"
	StrategicBets Strategy = "strategic_bets"
	Urgent        Strategy = "urgent"
)

// Strategies lists every strategy in display order.
var Strategies = []Strategy{Balanced, QuickWins, StrategicBets, Urgent}

// Strategy thresholds.
const (
	QuickWinMaxEffort      = 8.0
	StrategicBetMinImpact  = 7.0
	StrategicBetMinEffort  = 40.0
	UrgentPriorityMultiple = 2.0
)

var urgentPattern = regexp.MustCompile(`(?i)urgent|critical|blocking`)

// ParseStrategy accepts the canonical names plus a few spellings used on the
// command line ("quick-wins", "QuickWins").
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "", "balanced":
		return Balanced, nil
	case "quick_wins", "quickwins":
		return QuickWins, nil
	case "strategic_bets", "strategicbets":
		return StrategicBets, nil
	case "urgent":
		return Urgent, nil
	}
	return "", fmt.Errorf("unknown strategy %q (supported: balanced, quick_wins, strategic_bets, urgent)", s)
}

// Input is the scored set a strategy ranks. Order is the dependency-resolved
// order and is never modified.
type Input struct {
	Order    []string
	Tasks    map[string]scoring.Task
	Scores   map[string]scoring.StrategicScore
	Excluded map[string]bool
}

// Entry is one ranked row. SortKey is the value the strategy sorted by; for
// Urgent it may exceed 100.
type Entry struct {
	Rank    int                    `json:"rank"`
	TaskID  string                 `json:"task_id"`
	Text    string                 `json:"text,omitempty"`
	Score   scoring.StrategicScore `json:"score"`
	SortKey float64                `json:"sort_key"`
}

// Rank applies the strategy to in. Excluded and unscored tasks never appear.
func Rank(strategy Strategy, in Input) []Entry {
	candidates := candidates(in)

	var keep func(scoring.StrategicScore) bool
	var key func(id string, s scoring.StrategicScore) float64
	switch strategy {
	case QuickWins:
		keep = func(s scoring.StrategicScore) bool { return s.Effort <= QuickWinMaxEffort }
		key = func(_ string, s scoring.StrategicScore) float64 { return s.Impact * s.Confidence }
	case StrategicBets:
		keep = func(s scoring.StrategicScore) bool {
			return s.Impact >= StrategicBetMinImpact && s.Effort > StrategicBetMinEffort
		}
		key = func(_ string, s scoring.StrategicScore) float64 { return s.Impact }
	case Urgent:
		key = func(id string, s scoring.StrategicScore) float64 {
			if urgentPattern.MatchString(in.Tasks[id].Text) {
				return s.Priority * UrgentPriorityMultiple
			}
			return s.Priority
		}
	default:
		key = func(_ string, s scoring.StrategicScore) float64 { return s.Priority }
	}

	entries := make([]Entry, 0, len(candidates))
	for _, id := range candidates {
		s := in.Scores[id]
		if keep != nil && !keep(s) {
			continue
		}
		entries = append(entries, Entry{
			TaskID:  id,
			Text:    in.Tasks[id].Text,
			Score:   s,
			SortKey: key(id, s),
		})
	}

	if strategy == Balanced || strategy == "" {
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].SortKey != entries[j].SortKey {
				return entries[i].SortKey > entries[j].SortKey
			}
			return entries[i].TaskID < entries[j].TaskID
		})
	} else {
		// Ties keep the dependency-resolved order.
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].SortKey > entries[j].SortKey
		})
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// IDs returns the task ids of entries in rank order.
func IDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.TaskID
	}
	return out
}

// candidates returns the rankable ids: the dependency order first, then any
// scored ids missing from it in id order.
func candidates(in Input) []string {
	seen := make(map[string]bool, len(in.Order))
	out := make([]string, 0, len(in.Scores))
	eligible := func(id string) bool {
		if seen[id] || in.Excluded[id] {
			return false
		}
		_, ok := in.Scores[id]
		return ok
	}
	for _, id := range in.Order {
		if eligible(id) {
			out = append(out, id)
		}
		seen[id] = true
	}
	var rest []string
	for id := range in.Scores {
		if eligible(id) {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
