// Package override holds user corrections to machine impact and effort
// estimates. Overrides live until the next ranking run for their outcome
// clears them; there is no time-based expiry.
package override

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/basket/stratrank/internal/scoring"
	"github.com/basket/stratrank/internal/shared"
)

// MaxReasonLength is the longest accepted reason, in characters.
const MaxReasonLength = 500

// ManualOverride is a user correction for one task. Nil fields fall back to
// the machine value.
type ManualOverride struct {
	TaskID    string    `json:"task_id"`
	Impact    *float64  `json:"impact,omitempty"`
	Effort    *float64  `json:"effort,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// Patch is a partial override update. Timestamp defaults to now.
type Patch struct {
	Impact    *float64
	Effort    *float64
	Reason    *string
	SessionID string
	Timestamp time.Time
}

// Validate checks every supplied field against its declared range.
func (p Patch) Validate(taskID string) error {
	if p.Impact != nil {
		if err := scoring.ValidateImpact(taskID, *p.Impact); err != nil {
			return err
		}
	}
	if p.Effort != nil {
		if err := scoring.ValidateEffort(taskID, *p.Effort); err != nil {
			return err
		}
	}
	if p.Reason != nil && utf8.RuneCountInString(*p.Reason) > MaxReasonLength {
		return &shared.ValidationError{TaskID: taskID, Field: "reason", Value: utf8.RuneCountInString(*p.Reason), Reason: "must be at most 500 characters"}
	}
	return nil
}

// Merge returns base with the override applied. Confidence always comes from
// base and priority is recomputed from the merged inputs.
func Merge(base scoring.StrategicScore, ov *ManualOverride) scoring.StrategicScore {
	if ov == nil {
		return base
	}
	out := base
	out.Reasoning.Keywords = append([]string(nil), base.Reasoning.Keywords...)
	if ov.Impact != nil {
		out.Impact = *ov.Impact
	}
	if ov.Effort != nil {
		out.Effort = *ov.Effort
		out.Reasoning.EffortSource = scoring.EffortSourceManual
	}
	return out.Recompute()
}

// Store persists overrides keyed by (outcome, task).
type Store interface {
	LoadOverrides(ctx context.Context, outcomeID string) ([]ManualOverride, error)
	UpsertOverride(ctx context.Context, outcomeID string, ov ManualOverride) error
	DeleteOverride(ctx context.Context, outcomeID, taskID string) error
	DeleteOverrides(ctx context.Context, outcomeID string) (int64, error)
}

// Manager owns the override set of every outcome. A nil Store keeps
// overrides in memory only.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	byOwner map[string]map[string]ManualOverride
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		now:     time.Now,
		byOwner: map[string]map[string]ManualOverride{},
	}
}

// Apply patches the task's override field by field and returns base merged
// with the result. A patch older than the stored override is dropped and
// reported with ErrPersistenceConflict alongside the unchanged merged score.
func (m *Manager) Apply(ctx context.Context, outcomeID, taskID string, base scoring.StrategicScore, p Patch) (scoring.StrategicScore, error) {
	if taskID == "" {
		return base, &shared.ValidationError{Field: "task_id", Value: taskID, Reason: "must not be empty"}
	}
	if err := p.Validate(taskID); err != nil {
		return base, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.loadLocked(ctx, outcomeID)
	if err != nil {
		return base, err
	}

	current, exists := set[taskID]
	if exists && p.Timestamp.Before(current.Timestamp) {
		m.logger.Warn("override superseded by newer write",
			"outcome_id", outcomeID, "task_id", taskID,
			"stored_at", current.Timestamp, "attempted_at", p.Timestamp)
		return Merge(base, &current), fmt.Errorf("override %s/%s: %w", outcomeID, taskID, shared.ErrPersistenceConflict)
	}

	next := current
	next.TaskID = taskID
	if p.Impact != nil {
		v := *p.Impact
		next.Impact = &v
	}
	if p.Effort != nil {
		v := *p.Effort
		next.Effort = &v
	}
	if p.Reason != nil {
		next.Reason = *p.Reason
	}
	if p.SessionID != "" {
		next.SessionID = p.SessionID
	}
	next.Timestamp = p.Timestamp

	if m.store != nil {
		if err := m.store.UpsertOverride(ctx, outcomeID, next); err != nil {
			return base, fmt.Errorf("persist override: %w", err)
		}
	}
	set[taskID] = next
	return Merge(base, &next), nil
}

// Clear removes the override for one task.
func (m *Manager) Clear(ctx context.Context, outcomeID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.loadLocked(ctx, outcomeID)
	if err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.DeleteOverride(ctx, outcomeID, taskID); err != nil {
			return fmt.Errorf("delete override: %w", err)
		}
	}
	delete(set, taskID)
	return nil
}

// ClearAll drops every override for the outcome. The engine calls it once at
// the start of each ranking run.
func (m *Manager) ClearAll(ctx context.Context, outcomeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.byOwner[outcomeID])
	if m.store != nil {
		deleted, err := m.store.DeleteOverrides(ctx, outcomeID)
		if err != nil {
			return 0, fmt.Errorf("clear overrides: %w", err)
		}
		if int(deleted) > n {
			n = int(deleted)
		}
	}
	m.byOwner[outcomeID] = map[string]ManualOverride{}
	if n > 0 {
		m.logger.Info("overrides cleared", "outcome_id", outcomeID, "count", n)
	}
	return n, nil
}

// Get returns a copy of the task's override.
func (m *Manager) Get(ctx context.Context, outcomeID, taskID string) (ManualOverride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.loadLocked(ctx, outcomeID)
	if err != nil {
		return ManualOverride{}, false, err
	}
	ov, ok := set[taskID]
	return ov, ok, nil
}

// List returns the outcome's overrides sorted by task id.
func (m *Manager) List(ctx context.Context, outcomeID string) ([]ManualOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.loadLocked(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	out := make([]ManualOverride, 0, len(set))
	for _, ov := range set {
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Effective merges the outcome's overrides onto scores. Tasks without a
// machine score are skipped; an override alone cannot produce a score.
func (m *Manager) Effective(ctx context.Context, outcomeID string, scores map[string]scoring.StrategicScore) (map[string]scoring.StrategicScore, error) {
	m.mu.Lock()
	set, err := m.loadLocked(ctx, outcomeID)
	var snapshot map[string]ManualOverride
	if err == nil {
		snapshot = make(map[string]ManualOverride, len(set))
		for k, v := range set {
			snapshot[k] = v
		}
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(map[string]scoring.StrategicScore, len(scores))
	for id, s := range scores {
		if ov, ok := snapshot[id]; ok {
			out[id] = Merge(s, &ov)
			continue
		}
		out[id] = s
	}
	return out, nil
}

func (m *Manager) loadLocked(ctx context.Context, outcomeID string) (map[string]ManualOverride, error) {
	if set, ok := m.byOwner[outcomeID]; ok {
		return set, nil
	}
	set := map[string]ManualOverride{}
	if m.store != nil {
		stored, err := m.store.LoadOverrides(ctx, outcomeID)
		if err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
		for _, ov := range stored {
			set[ov.TaskID] = ov
		}
	}
	m.byOwner[outcomeID] = set
	return set, nil
}
