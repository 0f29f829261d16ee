package estimator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/shared"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 5 * time.Minute

	breakerKeyPrefix = "cb:estimator:"
)

// ErrAllProvidersFailed is returned when every provider failed or was skipped.
var ErrAllProvidersFailed = errors.New("estimator: all providers failed")

// KVStore persists breaker state across processes.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Named pairs an estimator with the provider name used for breakers and logs.
type Named struct {
	Name      string
	Estimator scoring.Estimator
}

type breaker struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

type FailoverConfig struct {
	Threshold int
	Cooldown  time.Duration
	KV        KVStore
	Logger    *slog.Logger
	Now       func() time.Time
}

// Failover tries each provider in order and trips a per-provider circuit
// breaker after Threshold consecutive failures. A tripped provider is skipped
// until Cooldown has passed since its last failure.
type Failover struct {
	chain []Named
	cfg   FailoverConfig

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewFailover(chain []Named, cfg FailoverConfig) *Failover {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	breakers := make(map[string]*breaker, len(chain))
	for _, n := range chain {
		breakers[n.Name] = &breaker{}
	}
	return &Failover{chain: chain, cfg: cfg, breakers: breakers}
}

func (f *Failover) Estimate(ctx context.Context, task scoring.Task, outcomeText string) (scoring.Estimate, error) {
	var lastErr error
	for _, c := range f.chain {
		if f.isTripped(c.Name) {
			f.cfg.Logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		est, err := c.Estimator.Estimate(ctx, task, outcomeText)
		if err == nil {
			f.recordSuccess(ctx, c.Name)
			return est, nil
		}
		if ctx.Err() != nil {
			return scoring.Estimate{}, err
		}
		lastErr = err
		f.recordFailure(ctx, c.Name)
		f.cfg.Logger.Warn("failover: provider failed",
			"provider", c.Name,
			"task_id", task.ID,
			"error_class", string(shared.ClassifyError(err)),
			"error", shared.Redact(err.Error()),
		)
	}
	if lastErr == nil {
		return scoring.Estimate{}, fmt.Errorf("%w: every breaker is open", ErrAllProvidersFailed)
	}
	return scoring.Estimate{}, fmt.Errorf("%w: last error: %w", ErrAllProvidersFailed, lastErr)
}

// Tripped returns the names of providers whose breaker is currently open.
func (f *Failover) Tripped() []string {
	var out []string
	for _, c := range f.chain {
		if f.isTripped(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

func (f *Failover) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[name]
	if !ok || !cb.Tripped {
		return false
	}
	if f.cfg.Now().Sub(cb.LastFailure) >= f.cfg.Cooldown {
		cb.Tripped = false
		cb.Failures = 0
		f.cfg.Logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *Failover) recordFailure(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.breakers[name]
	cb.Failures++
	cb.LastFailure = f.cfg.Now()
	if cb.Failures >= f.cfg.Threshold && !cb.Tripped {
		cb.Tripped = true
		f.cfg.Logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.Failures)
	}
	f.persistLocked(ctx, name, cb)
}

func (f *Failover) recordSuccess(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.breakers[name]
	if cb.Failures == 0 && !cb.Tripped {
		return
	}
	*cb = breaker{}
	f.persistLocked(ctx, name, cb)
}

func (f *Failover) persistLocked(ctx context.Context, name string, cb *breaker) {
	if f.cfg.KV == nil {
		return
	}
	data, err := json.Marshal(cb)
	if err != nil {
		return
	}
	if err := f.cfg.KV.KVSet(context.WithoutCancel(ctx), breakerKeyPrefix+name, string(data)); err != nil {
		f.cfg.Logger.Warn("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores breaker state saved by an earlier process.
func (f *Failover) LoadBreakerState(ctx context.Context) {
	if f.cfg.KV == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, cb := range f.breakers {
		val, err := f.cfg.KV.KVGet(ctx, breakerKeyPrefix+name)
		if err != nil || val == "" {
			continue
		}
		var state breaker
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		*cb = state
	}
}
