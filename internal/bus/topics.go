package bus

import "time"

// Retry queue topics.
const (
	TopicRetryScheduled = "retry.scheduled"
	TopicRetryCompleted = "retry.completed"
	TopicRetryExhausted = "retry.exhausted"
	TopicRetryCanceled  = "retry.canceled"
)

// Ranking topics.
const (
	TopicRunStarted     = "run.started"
	TopicRunScored      = "run.scored"
	TopicScoreUpdated   = "score.updated"
	TopicOverrideChange = "override.changed"
	TopicTaskToggled    = "task.toggled"
)

// TopicConfigReloaded is published by the config watcher.
const TopicConfigReloaded = "config.reloaded"

// RetryEvent reports a retry job transition.
type RetryEvent struct {
	OutcomeID string
	RunID     string
	TaskID    string
	Attempt   int       // retries used so far
	Status    string    // job status after the transition
	Error     string    // last estimator error, redacted
	NextAt    time.Time // zero unless Status is pending
}

func (e RetryEvent) Outcome() string { return e.OutcomeID }

// RunEvent is published when a ranking run starts and when its initial
// scoring pass finishes.
type RunEvent struct {
	OutcomeID        string
	RunID            string
	TaskCount        int
	Scored           int
	Failed           int
	ClearedOverrides int
}

func (e RunEvent) Outcome() string { return e.OutcomeID }

// ScoreUpdatedEvent is published after a score lands in the score store.
type ScoreUpdatedEvent struct {
	OutcomeID string
	RunID     string
	TaskID    string
	Priority  float64
	Source    string // "batch" or "retry"
}

func (e ScoreUpdatedEvent) Outcome() string { return e.OutcomeID }

// OverrideEvent is published when a manual override is applied or cleared.
type OverrideEvent struct {
	OutcomeID string
	TaskID    string
	SessionID string
	Cleared   bool
}

func (e OverrideEvent) Outcome() string { return e.OutcomeID }

// TaskToggledEvent is published when a task is marked completed or
// discarded, or unmarked.
type TaskToggledEvent struct {
	OutcomeID string
	TaskID    string
	State     string
}

func (e TaskToggledEvent) Outcome() string { return e.OutcomeID }

// ConfigReloadedEvent is published after config.yaml changed and parsed.
type ConfigReloadedEvent struct {
	Path        string
	Fingerprint string
}
