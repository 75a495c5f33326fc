package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithAgentID(ctx, "support")
	ctx = WithSessionKey(ctx, "agent:support:main")
	ctx = WithChannel(ctx, "telegram")
	ctx = WithStorePath(ctx, "/tmp/sessions.json")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", tc.TraceID)
	}
	if tc.AgentID != "support" {
		t.Errorf("Expected agent ID support, got %s", tc.AgentID)
	}
	if tc.SessionKey != "agent:support:main" {
		t.Errorf("Expected session key agent:support:main, got %s", tc.SessionKey)
	}
	if tc.Channel != "telegram" {
		t.Errorf("Expected channel telegram, got %s", tc.Channel)
	}
	if tc.StorePath != "/tmp/sessions.json" {
		t.Errorf("Expected store path /tmp/sessions.json, got %s", tc.StorePath)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetAgentID(ctx) != "" || GetSessionKey(ctx) != "" || GetChannel(ctx) != "" {
		t.Error("Expected empty values from empty context")
	}
}

func TestNewContextRoundTrip(t *testing.T) {
	original := &TraceContext{
		TraceID:    "trace-2",
		AgentID:    "main",
		SessionKey: "agent:main:direct:42",
		Channel:    "discord",
	}

	ctx := NewContext(context.Background(), original)
	got := FromContext(ctx)

	if *got != *original {
		t.Errorf("Expected %+v, got %+v", original, got)
	}
}

func TestNewInboundContext(t *testing.T) {
	ctx := NewInboundContext(context.Background(), "telegram")

	if GetTraceID(ctx) == "" {
		t.Error("Inbound context should carry a trace ID")
	}
	if GetChannel(ctx) != "telegram" {
		t.Errorf("Expected channel telegram, got %s", GetChannel(ctx))
	}
}
