// Package estimator provides Impact Estimator implementations: a deterministic
// keyword estimator, an LLM estimator backed by genkit, and a failover chain
// that routes around unhealthy providers.
package estimator

import (
	"context"
	"strings"

	"github.com/basket/stratrank/internal/scoring"
)

// keywordConfidence is the similarity reported by the keyword estimator. It
// sits below the default weight since no semantic signal was consulted.
const keywordConfidence = 0.4

// Keyword estimates impact from task text alone. It never fails.
type Keyword struct{}

func (Keyword) Estimate(ctx context.Context, task scoring.Task, outcomeText string) (scoring.Estimate, error) {
	if err := ctx.Err(); err != nil {
		return scoring.Estimate{}, err
	}
	impact, keywords := scoring.HeuristicImpact(task.Text)
	conf := keywordConfidence
	if outcomeText != "" && sharesTerm(task.Text, outcomeText) {
		conf = 0.6
	}
	return scoring.Estimate{Impact: impact, Reasoning: keywords, Confidence: conf}, nil
}

// sharesTerm reports whether the task mentions any word of four or more
// letters that also appears in the outcome.
func sharesTerm(task, outcome string) bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(outcome), notLetter) {
		if len(w) >= 4 {
			words[w] = true
		}
	}
	for _, w := range strings.FieldsFunc(strings.ToLower(task), notLetter) {
		if words[w] {
			return true
		}
	}
	return false
}

func notLetter(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
}
