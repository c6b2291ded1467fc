package services

import "context"

type contextKey string

const (
	workitemUIDKey contextKey = "workitem_uid"
	stageKey       contextKey = "stage"
	requestIDKey   contextKey = "request_id"
)

// WithWorkitemUID annotates context with the UPS workitem identifier.
func WithWorkitemUID(ctx context.Context, uid string) context.Context {
	if uid == "" {
		return ctx
	}
	return context.WithValue(ctx, workitemUIDKey, uid)
}

// WorkitemUIDFromContext extracts the workitem identifier if present.
func WorkitemUIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(workitemUIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
