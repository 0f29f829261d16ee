package estimator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/stratrank/internal/scoring"
)

// ErrNoAPIKey is returned by NewLLM when the provider has no usable key.
var ErrNoAPIKey = errors.New("estimator: API key missing")

// DefaultModels lists the model used when a provider is configured without
// one.
var DefaultModels = map[string]string{
	"google":     "gemini-2.5-flash",
	"anthropic":  "claude-haiku-4-5",
	"openai":     "gpt-4o-mini",
	"openrouter": "openrouter/auto",
}

const systemPrompt = `You rate how much a task advances an outcome.
Reply with a single JSON object and nothing else:
{"impact": <number 0-10>, "reasoning": [<short phrases>], "confidence": <number 0-1>}
impact 10 means the task is essential to the outcome, 0 means it is unrelated.
confidence is how semantically close the task is to the outcome.`

// LLMConfig selects the provider backing an LLM estimator.
type LLMConfig struct {
	Provider       string // google, anthropic, openai, openai_compatible, openrouter
	Model          string
	APIKey         string
	BaseURL        string // openai_compatible only
	CompatProvider string // openai_compatible plugin name
}

// LLM asks a language model for an impact estimate.
type LLM struct {
	name      string
	model     string
	validator *outputValidator
	generate  func(ctx context.Context, system, prompt string) (string, error)
	logger    *slog.Logger
}

// NewLLM initializes genkit for the configured provider.
func NewLLM(ctx context.Context, cfg LLMConfig, logger *slog.Logger) (*LLM, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModels[normalizeProvider(provider)]
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAPIKey)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
	default:
		return nil, fmt.Errorf("estimator: unknown provider %q", provider)
	}

	modelName := modelNameForProvider(provider, model)
	validator, err := newOutputValidator()
	if err != nil {
		return nil, err
	}
	logger.Info("llm estimator initialized", "provider", provider, "model", modelName)

	return &LLM{
		name:      provider,
		model:     modelName,
		validator: validator,
		logger:    logger,
		generate: func(ctx context.Context, system, prompt string) (string, error) {
			resp, err := genkit.Generate(ctx, g,
				ai.WithModelName(modelName),
				ai.WithSystem(system),
				ai.WithPrompt(prompt),
			)
			if err != nil {
				return "", fmt.Errorf("genkit generate: %w", err)
			}
			return resp.Text(), nil
		},
	}, nil
}

// Name returns the provider name.
func (l *LLM) Name() string { return l.name }

func (l *LLM) Estimate(ctx context.Context, task scoring.Task, outcomeText string) (scoring.Estimate, error) {
	reply, err := l.generate(ctx, escapePercent(systemPrompt), escapePercent(buildPrompt(task, outcomeText)))
	if err != nil {
		return scoring.Estimate{}, err
	}
	est, err := l.validator.parse(reply)
	if err != nil {
		l.logger.Warn("llm estimator reply rejected", "task_id", task.ID, "model", l.model, "error", err)
		return scoring.Estimate{}, err
	}
	return est, nil
}

func buildPrompt(task scoring.Task, outcomeText string) string {
	var b strings.Builder
	b.WriteString("Outcome: ")
	if outcomeText == "" {
		b.WriteString("(none stated)")
	} else {
		b.WriteString(outcomeText)
	}
	b.WriteString("\nTask: ")
	b.WriteString(task.Text)
	return b.String()
}

// escapePercent keeps genkit's format-style option helpers from
// interpreting user text.
func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func normalizeProvider(provider string) string {
	if provider == "openai_compatible" {
		return "openai"
	}
	return provider
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
