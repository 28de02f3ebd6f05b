package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestCtxAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	old := zlog.Logger
	zlog.Logger = zlog.Output(&buf)
	defer func() { zlog.Logger = old }()

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	Ctx(ctx).Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", line["trace_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestCtxWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	old := zlog.Logger
	zlog.Logger = zlog.Output(&buf)
	defer func() { zlog.Logger = old }()

	Ctx(context.Background()).Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}
