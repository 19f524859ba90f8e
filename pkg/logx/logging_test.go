package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	// Must not panic.
	l.Info("hello", String("k", "v"))
	assert.False(t, l.With(String("a", "b")).IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "queue"))
	l.Info("entry queued", Int("platforms", 2), Duration("wait", time.Second), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "entry queued", m["message"])
	assert.Equal(t, "queue", m["comp"])
	assert.Equal(t, float64(2), m["platforms"])
	assert.Equal(t, "boom", m["err"])
	assert.NotEmpty(t, m["caller"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelDebug))
	assert.True(t, l.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("nope", LevelInfo))
	assert.Equal(t, LevelTrace, parseLevel(" trace ", LevelInfo))
}

func TestSpanField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info")

	l.Info("no span", Span(context.Background()))
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.NotContains(t, m, "trace_id")

	buf.Reset()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Info("with span", Span(ctx))
	m = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, sc.TraceID().String(), m["trace_id"])
	assert.Equal(t, sc.SpanID().String(), m["span_id"])
}

func TestServiceApplySwapsFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	l = l.With(String("comp", "test"))
	l.Info("one")
	l.Debug("hidden")

	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}}))
	l.Debug("two")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(a), `"message":"one"`)
	assert.NotContains(t, string(a), "hidden")
	assert.NotContains(t, string(a), `"message":"two"`)

	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message":"two"`)
	assert.Contains(t, string(b), `"comp":"test"`)
}

func TestServiceApplyReportsBadPath(t *testing.T) {
	svc, _ := New(Config{Level: "error"})
	defer svc.Close()
	err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "missing", "x.log")}})
	assert.Error(t, err)
	assert.True(t, svc.Logger().Enabled(LevelError))
}
