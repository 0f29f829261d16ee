package shared

import (
	"context"

	"github.com/google/uuid"
)

type outcomeIDKey struct{}
type runIDKey struct{}
type sessionIDKey struct{}
type taskIDKey struct{}

// WithOutcomeID attaches an outcome_id to the context.
func WithOutcomeID(ctx context.Context, outcomeID string) context.Context {
	return context.WithValue(ctx, outcomeIDKey{}, outcomeID)
}

// OutcomeID extracts outcome_id from context. Returns "" if absent.
func OutcomeID(ctx context.Context) string {
	if v, ok := ctx.Value(outcomeIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new ranking run id.
func NewRunID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates a new override session id.
func NewSessionID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}
