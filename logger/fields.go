package logger

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across fhirlake.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldGroupID   = "group_id"
	FieldWorkerID  = "worker_id"
	FieldOwner     = "owner"
	FieldMessageID = "message_id"

	// Jobs
	FieldKind         = "kind"
	FieldQueueType    = "queue_type"
	FieldResourceType = "resource_type"
	FieldStatus       = "status"
	FieldVersion      = "version"
	FieldWindowStart  = "window_start"
	FieldWindowEnd    = "window_end"
	FieldErrorKind    = "error_kind"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Timing and counts
	FieldDurationMS = "duration_ms"
	FieldCount      = "count"
	FieldPartID     = "part_id"
	FieldPath       = "path"
	FieldError      = "error"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(int64); ok && jobID != 0 {
		fields = append(fields, FieldJobID, strconv.FormatInt(jobID, 10))
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
// Example:
//
//	logger: logger.ComponentLogger("pulse.worker"),
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
