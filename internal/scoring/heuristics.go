package scoring

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// effortHint matches an explicit duration such as "3h", "4 hours" or "2 days".
var effortHint = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(hours|hour|hrs|hr|h|days|day|d)\b`)

// Heuristic effort modifiers, in hours.
const (
	effortBase          = 8.0
	effortLongText      = 4.0
	effortIntegration   = 8.0
	effortDependency    = 4.0
	effortExploratory   = 8.0
	longTextThreshold   = 100
	heuristicEffortCeil = 40.0
)

var (
	integrationTerms = []string{"integration", "integrate", "migration", "migrate", "api"}
	dependencyTerms  = []string{"depends on", "dependent on", "blocked by", "after ", "requires", "waiting on", "waiting for"}
	exploratoryTerms = []string{"research", "investigate", "explore", "spike", "prototype", "evaluate"}
)

// EstimateEffort returns the effort in hours and the source tag. An explicit
// hint wins; otherwise the complexity heuristic applies.
func EstimateEffort(text string) (float64, string) {
	if hours, ok := ExtractEffortHint(text); ok {
		return hours, EffortSourceExtracted
	}
	return HeuristicEffort(text), EffortSourceHeuristic
}

// ExtractEffortHint parses the first explicit hour or day hint in text,
// normalized to hours and clamped to [0.5,160].
func ExtractEffortHint(text string) (float64, bool) {
	m := effortHint.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "d") {
		n *= HoursPerDay
	}
	return clamp(n, MinEffort, MaxEffort), true
}

// HeuristicEffort derives effort from text length and keyword classes,
// clamped to [0.5,40].
func HeuristicEffort(text string) float64 {
	lower := strings.ToLower(text)
	hours := effortBase
	if len(text) > longTextThreshold {
		hours += effortLongText
	}
	if containsAny(lower, integrationTerms) {
		hours += effortIntegration
	}
	if containsAny(lower, dependencyTerms) {
		hours += effortDependency
	}
	if containsAny(lower, exploratoryTerms) {
		hours += effortExploratory
	}
	return clamp(hours, MinEffort, heuristicEffortCeil)
}

// impactModifier is one additive keyword class of the impact heuristic.
type impactModifier struct {
	delta float64
	stems []string
}

const impactBase = 5.0

var impactModifiers = []impactModifier{
	{delta: 3, stems: []string{"revenue", "payment", "billing", "checkout", "pricing", "customer", "invoice", "subscription"}},
	{delta: 2, stems: []string{"launch", "security", "outage", "compliance", "incident"}},
	{delta: 1, stems: []string{"onboarding", "conversion", "retention", "activation"}},
	{delta: -1, stems: []string{"cleanup", "clean-up", "refactor", "rename", "tidy", "docs", "lint"}},
}

// HeuristicImpact scores impact from keyword classes. Each class contributes
// its modifier at most once. Returns the clamped impact and matched stems.
func HeuristicImpact(text string) (float64, []string) {
	words := tokenize(text)
	impact := impactBase
	var matched []string
	for _, mod := range impactModifiers {
		hit := false
		for _, stem := range mod.stems {
			if hasStem(words, stem) {
				matched = append(matched, stem)
				hit = true
			}
		}
		if hit {
			impact += mod.delta
		}
	}
	return clamp(impact, MinImpact, MaxImpact), matched
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

func hasStem(words []string, stem string) bool {
	for _, w := range words {
		if strings.HasPrefix(w, stem) {
			return true
		}
	}
	return false
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
