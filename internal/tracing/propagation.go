package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	fields := logger.With()
	if tc.TraceID != "" {
		fields = fields.Str("trace_id", tc.TraceID)
	}
	if tc.AgentID != "" {
		fields = fields.Str("agent_id", tc.AgentID)
	}
	if tc.SessionKey != "" {
		fields = fields.Str("session_key", tc.SessionKey)
	}
	if tc.Channel != "" {
		fields = fields.Str("channel", tc.Channel)
	}
	if tc.StorePath != "" {
		fields = fields.Str("store_path", tc.StorePath)
	}

	return fields.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
