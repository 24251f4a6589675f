package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var out map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &out))
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"error+2", slog.LevelError + 2},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewWithWriter_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(ctx, slog.LevelInfo))
	assert.False(t, New("", "text").Enabled(ctx, slog.LevelDebug))
}

func TestContextHandler_AddsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	ctx := WithDealID(WithRequestID(context.Background(), "req-1"), "deal-7")
	logger.InfoContext(ctx, "reconciled", "status", "funded")

	line := lastLine(t, &buf)
	assert.Equal(t, "reconciled", line["msg"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "deal-7", line["deal_id"])
	assert.Equal(t, "funded", line["status"])
	assert.NotContains(t, line, "trace_id")
}

func TestContextHandler_AddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json").With("component", "reconcile")

	traceID := trace.TraceID{0x0a, 0x0b, 0x0c, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{1}})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.WarnContext(ctx, "chain read failed")

	line := lastLine(t, &buf)
	assert.Equal(t, traceID.String(), line["trace_id"])
	assert.Equal(t, "reconcile", line["component"])
}

func TestContextHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json").WithGroup("deal")

	logger.InfoContext(WithRequestID(context.Background(), "req-9"), "opened", "id", "d-1")

	line := lastLine(t, &buf)
	group, ok := line["deal"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "d-1", group["id"])
	assert.Equal(t, "req-9", group["request_id"])
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, DealID(ctx))
	assert.Same(t, slog.Default(), FromContext(ctx))

	custom := New("debug", "json")
	ctx = WithLogger(WithRequestID(WithRequestID(ctx, "first"), "second"), custom)
	assert.Equal(t, "second", RequestID(ctx))
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_BindsFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "INFO", "json"))
	assert.Same(t, FromContext(ctx), L(ctx))

	ctx = WithDealID(WithRequestID(ctx, "req-789"), "deal-7")
	L(ctx).Info("reconciled")

	line := lastLine(t, &buf)
	assert.Equal(t, "req-789", line["request_id"])
	assert.Equal(t, "deal-7", line["deal_id"])
}
