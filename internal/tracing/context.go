package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// AgentIDKey is the context key for the resolved agent ID
	AgentIDKey ContextKey = "agent_id"
	// SessionKeyKey is the context key for session key
	SessionKeyKey ContextKey = "session_key"
	// ChannelKey is the context key for the inbound channel
	ChannelKey ContextKey = "channel"
	// StorePathKey is the context key for the session store file
	StorePathKey ContextKey = "store_path"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	AgentID    string
	SessionKey string
	Channel    string
	StorePath  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithChannel adds the inbound channel to the context
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// WithStorePath adds the session store path to the context
func WithStorePath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, StorePathKey, path)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	return stringValue(ctx, AgentIDKey)
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	return stringValue(ctx, SessionKeyKey)
}

// GetChannel retrieves the inbound channel from the context
func GetChannel(ctx context.Context) string {
	return stringValue(ctx, ChannelKey)
}

// GetStorePath retrieves the session store path from the context
func GetStorePath(ctx context.Context) string {
	return stringValue(ctx, StorePathKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		AgentID:    GetAgentID(ctx),
		SessionKey: GetSessionKey(ctx),
		Channel:    GetChannel(ctx),
		StorePath:  GetStorePath(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.SessionKey != "" {
		ctx = WithSessionKey(ctx, tc.SessionKey)
	}
	if tc.Channel != "" {
		ctx = WithChannel(ctx, tc.Channel)
	}
	if tc.StorePath != "" {
		ctx = WithStorePath(ctx, tc.StorePath)
	}
	return ctx
}

// NewInboundContext starts a trace for one inbound message.
func NewInboundContext(ctx context.Context, channel string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = WithTraceID(ctx, NewTraceID())
	return WithChannel(ctx, channel)
}
