package estimator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/basket/stratrank/internal/scoring"
)

// KeywordProvider is the provider name of the built-in keyword estimator.
const KeywordProvider = "keyword"

// Build assembles the estimator chain for providers, in order. Providers
// whose API key is missing are skipped with a warning. The keyword estimator
// is used only when no LLM provider is left; it never sits behind one, so a
// provider error reaches the caller and the retry queue owns the retry.
func Build(ctx context.Context, providers []LLMConfig, fcfg FailoverConfig) (scoring.Estimator, *Failover, error) {
	logger := fcfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var chain []Named
	seen := map[string]bool{}
	for _, p := range providers {
		name := strings.ToLower(strings.TrimSpace(p.Provider))
		if name == KeywordProvider || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		llm, err := NewLLM(ctx, p, logger)
		if errors.Is(err, ErrNoAPIKey) {
			logger.Warn("estimator provider skipped", "provider", name, "reason", "api key missing")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, Named{Name: llm.Name(), Estimator: llm})
	}
	fo := NewFailover(closeChain(chain, logger), fcfg)
	fo.LoadBreakerState(ctx)
	return fo, fo, nil
}

// closeChain falls back to the offline keyword estimator when no LLM
// provider could be configured.
func closeChain(chain []Named, logger *slog.Logger) []Named {
	if len(chain) > 0 {
		return chain
	}
	logger.Info("estimator chain is keyword only")
	return []Named{{Name: KeywordProvider, Estimator: Keyword{}}}
}
