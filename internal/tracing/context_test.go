package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
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

func TestNewRunID(t *testing.T) {
	id1 := NewRunID()
	id2 := NewRunID()

	if id1 == "" {
		t.Error("NewRunID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewRunID returned duplicate IDs")
	}
}

func TestWithAgentID(t *testing.T) {
	ctx := WithAgentID(context.Background(), "scribe")

	if got := GetAgentID(ctx); got != "scribe" {
		t.Errorf("Expected agent ID scribe, got %s", got)
	}
}

func TestGettersEmpty(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetRunID(ctx) != "" || GetAgentID(ctx) != "" {
		t.Error("Expected empty tracing values on a bare context")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-123"})

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetRunID(ctx) != "" {
		t.Error("Run ID should be empty")
	}
	if GetAgentID(ctx) != "" {
		t.Error("Agent ID should be empty")
	}
}

func TestNewAgentRunContext(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-parent")

	ctx := NewAgentRunContext(parent, "scribe")

	if GetTraceID(ctx) != "trace-parent" {
		t.Error("Trace ID should be kept from the parent")
	}
	if len(GetRunID(ctx)) != 36 {
		t.Errorf("Expected UUID run ID, got %q", GetRunID(ctx))
	}
	if GetAgentID(ctx) != "scribe" {
		t.Errorf("Expected agent ID scribe, got %s", GetAgentID(ctx))
	}

	other := NewAgentRunContext(parent, "scribe")
	if GetRunID(other) == GetRunID(ctx) {
		t.Error("Each run should get its own run ID")
	}
}

func TestNewAgentRunContextWithoutTrace(t *testing.T) {
	ctx := NewAgentRunContext(context.Background(), "scribe")

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID should be generated when missing")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{
		TraceID: "trace-1",
		RunID:   "run-1",
		AgentID: "scribe",
	})

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-1"`, `"run_id":"run-1"`, `"agent_id":"scribe"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}

func TestCloneContext(t *testing.T) {
	parent, cancel := context.WithCancel(WithAgentID(context.Background(), "scribe"))
	clone := CloneContext(parent)
	cancel()

	if clone.Err() != nil {
		t.Error("Clone should not inherit cancellation")
	}
	if GetAgentID(clone) != "scribe" {
		t.Error("Clone should keep the agent ID")
	}
}
