// Package config loads stratrank settings from $STRATRANK_HOME/config.yaml
// with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/stratrank/internal/otel"
)

// ProviderConfig holds per-provider LLM credentials and model.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type ScoringConfig struct {
	BatchSize              int `yaml:"batch_size"`
	EstimateTimeoutSeconds int `yaml:"estimate_timeout_seconds"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	Concurrency int `yaml:"concurrency"`
}

type RankingConfig struct {
	// DefaultStrategy is one of balanced, quick_wins, strategic_bets, urgent.
	DefaultStrategy        string `yaml:"default_strategy"`
	HighlightWindowSeconds int    `yaml:"highlight_window_seconds"`
}

// EstimatorConfig selects the impact estimator chain.
type EstimatorConfig struct {
	// Provider names the primary LLM provider: google, anthropic, openai,
	// openai_compatible, openrouter, or keyword for the offline heuristic.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders are tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	FailoverThreshold       int `yaml:"failover_threshold"`
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// ScheduleConfig describes one periodic rerun.
type ScheduleConfig struct {
	Name        string `yaml:"name"`
	Cron        string `yaml:"cron"`
	OutcomeID   string `yaml:"outcome_id"`
	OutcomeText string `yaml:"outcome_text"`
	TasksFile   string `yaml:"tasks_file"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the schedule should run. Schedules are enabled
// unless switched off explicitly.
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Scoring   ScoringConfig             `yaml:"scoring"`
	Retry     RetryConfig               `yaml:"retry"`
	Ranking   RankingConfig             `yaml:"ranking"`
	Estimator EstimatorConfig           `yaml:"estimator"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Schedules []ScheduleConfig          `yaml:"schedules"`
	OTel      otelPkg.Config            `yaml:"otel"`

	// SchedulerTickSeconds is how often due schedules are checked.
	SchedulerTickSeconds int `yaml:"scheduler_tick_seconds"`
}

func (c Config) EstimateTimeout() time.Duration {
	return time.Duration(c.Scoring.EstimateTimeoutSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

func (c Config) HighlightWindow() time.Duration {
	return time.Duration(c.Ranking.HighlightWindowSeconds) * time.Second
}

func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.Estimator.FailoverCooldownSeconds) * time.Second
}

func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderChain returns the primary provider followed by its fallbacks,
// without duplicates.
func (c Config) ProviderChain() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range append([]string{c.Estimator.Provider}, c.Estimator.FallbackProviders...) {
		p = normalizeProvider(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ModelFor returns the configured model for provider, or "" for the
// provider default.
func (c Config) ModelFor(provider string) string {
	if p, ok := c.Providers[provider]; ok && p.Model != "" {
		return p.Model
	}
	if provider == normalizeProvider(c.Estimator.Provider) {
		return c.Estimator.Model
	}
	return ""
}

// AvailableProviders lists the LLM providers that have an API key.
func (c Config) AvailableProviders() []string {
	var out []string
	for _, p := range []string{"google", "anthropic", "openai", "openrouter"} {
		if c.ProviderAPIKey(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect scores.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "batch=%d|timeout=%d|retry=%d/%d/%d|strategy=%s|estimator=%s/%s|fallbacks=%v|schedules=%d",
		c.Scoring.BatchSize, c.Scoring.EstimateTimeoutSeconds,
		c.Retry.MaxAttempts, c.Retry.BaseDelayMS, c.Retry.Concurrency,
		c.Ranking.DefaultStrategy, c.Estimator.Provider, c.Estimator.Model,
		c.Estimator.FallbackProviders, len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Scoring: ScoringConfig{
			BatchSize:              10,
			EstimateTimeoutSeconds: 10,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
			Concurrency: 10,
		},
		Ranking: RankingConfig{
			DefaultStrategy:        "balanced",
			HighlightWindowSeconds: 8,
		},
		Estimator: EstimatorConfig{
			Provider:                "google",
			FallbackProviders:       []string{"keyword"},
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		SchedulerTickSeconds: 60,
	}
}

func HomeDir() string {
	if override := os.Getenv("STRATRANK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".stratrank")
}

// Load reads config.yaml from HomeDir. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create stratrank home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "stratrank.db")
	}
	if cfg.Scoring.BatchSize <= 0 {
		cfg.Scoring.BatchSize = def.Scoring.BatchSize
	}
	if cfg.Scoring.EstimateTimeoutSeconds <= 0 {
		cfg.Scoring.EstimateTimeoutSeconds = def.Scoring.EstimateTimeoutSeconds
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMS <= 0 {
		cfg.Retry.BaseDelayMS = def.Retry.BaseDelayMS
	}
	if cfg.Retry.Concurrency <= 0 {
		cfg.Retry.Concurrency = def.Retry.Concurrency
	}
	cfg.Ranking.DefaultStrategy = strings.ToLower(strings.TrimSpace(cfg.Ranking.DefaultStrategy))
	if cfg.Ranking.DefaultStrategy == "" {
		cfg.Ranking.DefaultStrategy = def.Ranking.DefaultStrategy
	}
	if cfg.Ranking.HighlightWindowSeconds <= 0 {
		cfg.Ranking.HighlightWindowSeconds = def.Ranking.HighlightWindowSeconds
	}
	cfg.Estimator.Provider = normalizeProvider(cfg.Estimator.Provider)
	if cfg.Estimator.Provider == "" {
		cfg.Estimator.Provider = def.Estimator.Provider
	}
	if cfg.Estimator.FailoverThreshold <= 0 {
		cfg.Estimator.FailoverThreshold = def.Estimator.FailoverThreshold
	}
	if cfg.Estimator.FailoverCooldownSeconds <= 0 {
		cfg.Estimator.FailoverCooldownSeconds = def.Estimator.FailoverCooldownSeconds
	}
	if cfg.SchedulerTickSeconds <= 0 {
		cfg.SchedulerTickSeconds = def.SchedulerTickSeconds
	}
	for i := range cfg.Schedules {
		s := &cfg.Schedules[i]
		if s.Name == "" {
			s.Name = s.OutcomeID
		}
		if s.TasksFile != "" && !filepath.IsAbs(s.TasksFile) {
			s.TasksFile = filepath.Join(cfg.HomeDir, s.TasksFile)
		}
	}
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "gemini" {
		return "google"
	}
	return p
}

var validStrategies = map[string]bool{"balanced": true, "quick_wins": true, "strategic_bets": true, "urgent": true}

func validate(cfg Config) error {
	if !validStrategies[cfg.Ranking.DefaultStrategy] {
		return fmt.Errorf("ranking.default_strategy %q is not one of balanced, quick_wins, strategic_bets, urgent", cfg.Ranking.DefaultStrategy)
	}
	seen := map[string]bool{}
	for _, s := range cfg.Schedules {
		if s.OutcomeID == "" || s.Cron == "" || s.TasksFile == "" {
			return fmt.Errorf("schedule %q: outcome_id, cron and tasks_file are required", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("schedule %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STRATRANK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STRATRANK_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STRATRANK_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scoring.BatchSize = v
		}
	}
	if raw := os.Getenv("STRATRANK_ESTIMATE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scoring.EstimateTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STRATRANK_ESTIMATOR"); raw != "" {
		cfg.Estimator.Provider = raw
	}
	if raw := os.Getenv("STRATRANK_STRATEGY"); raw != "" {
		cfg.Ranking.DefaultStrategy = raw
	}
}
