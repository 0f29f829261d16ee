package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/stratrank/internal/audit"
	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/config"
	"github.com/basket/stratrank/internal/engine"
	"github.com/basket/stratrank/internal/estimator"
	otelPkg "github.com/basket/stratrank/internal/otel"
	"github.com/basket/stratrank/internal/override"
	"github.com/basket/stratrank/internal/persistence"
	"github.com/basket/stratrank/internal/ranking"
	"github.com/basket/stratrank/internal/retry"
	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/scorestore"
	"github.com/basket/stratrank/internal/telemetry"
)

// app is the wired runtime shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Store
	engine   *engine.Engine
	queue    *retry.Queue
	failover *estimator.Failover
	strategy ranking.Strategy

	closers []func()
}

// openApp loads config and wires storage, telemetry, the estimator chain and
// the engine. quiet keeps logs out of stderr.
func openApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}
	a.closers = append(a.closers, func() { _ = audit.Close() })

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, func() { _ = logCloser.Close() })
	slog.SetDefault(logger)
	a.logger = logger

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Identity{Version: Version, ConfigFingerprint: cfg.Fingerprint()})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	})
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	audit.SetDB(store.DB())
	a.store = store
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	est, fo, err := estimator.Build(ctx, providerConfigs(cfg), estimator.FailoverConfig{
		Threshold: cfg.Estimator.FailoverThreshold,
		Cooldown:  cfg.FailoverCooldown(),
		KV:        store,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build estimator: %w", err)
	}
	a.failover = fo

	a.strategy, err = ranking.ParseStrategy(cfg.Ranking.DefaultStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.bus = bus.New()
	scores := scorestore.New(store, a.bus, logger)
	scorer := scoring.NewService(est, scoring.Config{
		BatchSize:       cfg.Scoring.BatchSize,
		EstimateTimeout: cfg.EstimateTimeout(),
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
	})
	a.queue = retry.NewQueue(scorer, scores, retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		Concurrency: cfg.Retry.Concurrency,
		Store:       store,
		Bus:         a.bus,
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
	})
	scorer.SetSink(a.queue)

	eng, err := engine.New(engine.Config{
		Scorer:          scorer,
		Queue:           a.queue,
		Scores:          scores,
		Overrides:       override.NewManager(store, logger),
		KV:              store,
		States:          store,
		Bus:             a.bus,
		DefaultStrategy: a.strategy,
		HighlightWindow: cfg.HighlightWindow(),
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	// Closed before the store so that workers stop writing first.
	a.closers = append(a.closers, eng.Close)
	if err := eng.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng
	logger.Info("startup phase", "phase", "engine_ready", "config_fingerprint", cfg.Fingerprint())
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func providerConfigs(cfg config.Config) []estimator.LLMConfig {
	var out []estimator.LLMConfig
	for _, p := range cfg.ProviderChain() {
		if p == estimator.KeywordProvider {
			continue
		}
		lc := estimator.LLMConfig{
			Provider: p,
			Model:    cfg.ModelFor(p),
			APIKey:   cfg.ProviderAPIKey(p),
		}
		if pc, ok := cfg.Providers[p]; ok {
			lc.BaseURL = pc.BaseURL
		}
		if p == "openai_compatible" {
			lc.CompatProvider = cfg.Estimator.OpenAICompatibleProvider
			if cfg.Estimator.OpenAICompatibleBaseURL != "" {
				lc.BaseURL = cfg.Estimator.OpenAICompatibleBaseURL
			}
		}
		out = append(out, lc)
	}
	return out
}
