package common

import (
	"context"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyJobID     contextKey = "job_id"
	ContextKeyAttempt   contextKey = "attempt"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// WithJobAttempt tags ctx with the job and attempt a worker is executing.
func WithJobAttempt(ctx context.Context, jobID string, attempt int) context.Context {
	ctx = context.WithValue(ctx, ContextKeyJobID, jobID)
	return context.WithValue(ctx, ContextKeyAttempt, attempt)
}

// JobAttemptFromContext returns the job id and attempt set by WithJobAttempt.
func JobAttemptFromContext(ctx context.Context) (string, int) {
	jobID, _ := ctx.Value(ContextKeyJobID).(string)
	attempt, _ := ctx.Value(ContextKeyAttempt).(int)
	return jobID, attempt
}
