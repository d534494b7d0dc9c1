package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", SessionID(ctx))
	assert.Equal(t, "", RequestID(ctx))
	assert.Equal(t, "", Stage(ctx))

	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithRequestID(ctx, "apr_AAPL_1_ab")
	ctx = WithStage(ctx, "analyze")

	assert.Equal(t, "sess-1", SessionID(ctx))
	assert.Equal(t, "apr_AAPL_1_ab", RequestID(ctx))
	assert.Equal(t, "analyze", Stage(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStage(WithSessionID(context.Background(), "sess-abc"), "execute")
	LogWith(ctx, logger).Info("stage done")

	out := buf.String()
	assert.Contains(t, out, "session_id=sess-abc")
	assert.Contains(t, out, "stage=execute")
	assert.NotContains(t, out, "request_id")
	assert.NotContains(t, out, "trace_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRequestID(WithSessionID(context.Background(), "sess-auto"), "apr-auto")
	logger.InfoContext(ctx, "auto inject")

	out := buf.String()
	assert.Contains(t, out, `"session_id":"sess-auto"`)
	assert.Contains(t, out, `"request_id":"apr-auto"`)
	assert.Contains(t, out, "auto inject")
}

func TestCorrelationHandler_EmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(context.Background(), "bare log")

	out := buf.String()
	assert.NotContains(t, out, "session_id")
	assert.Contains(t, out, "bare log")
}

func TestCorrelationHandler_TraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "stage.analyze")
	defer span.End()

	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(ctx, "traced")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"`+span.SpanContext().TraceID().String()+`"`)
	assert.Contains(t, out, `"span_id":"`)
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "broker")}))
	logger.InfoContext(WithSessionID(context.Background(), "s-attr"), "with attrs")
	assert.Contains(t, buf.String(), `"component":"broker"`)
	assert.Contains(t, buf.String(), `"session_id":"s-attr"`)

	buf.Reset()
	slog.New(h.WithGroup("engine")).InfoContext(WithSessionID(context.Background(), "s-grp"), "grouped")
	assert.Contains(t, buf.String(), "s-grp")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "text", &buf)
	logger.DebugContext(WithSessionID(context.Background(), "s-1"), "hello")
	assert.Contains(t, buf.String(), "session_id=s-1")

	buf.Reset()
	logger = New("error", "json", &buf)
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
